package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"argus/metrics"
	"argus/util/goroutine"
	"go.uber.org/zap"
)

// Errors
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)

// WorkerPool runs background tasks (indicator enrichment, notifications) on a
// fixed number of goroutines with a bounded queue
type WorkerPool struct {
	workers   int
	queueSize int
	poolType  string
	taskCh    chan func(ctx context.Context)
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	mu        sync.RWMutex
}

// NewWorkerPool creates a pool. Workers start on Start; cancelling parentCtx stops them.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, poolType string, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if poolType == "" {
		poolType = "default"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:   workers,
		queueSize: queueSize,
		poolType:  poolType,
		taskCh:    make(chan func(ctx context.Context), queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing tasks
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}
	wp.running = true
	wp.logger.Infow("Starting worker pool", "pool_type", wp.poolType, "workers", wp.workers, "queue_size", wp.queueSize)
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains queued tasks and waits for workers, up to timeout
func (wp *WorkerPool) Stop(timeout time.Duration) {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	close(wp.taskCh)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool_type", wp.poolType)
	case <-time.After(timeout):
		wp.cancel()
		wp.logger.Errorw("Worker pool shutdown timed out, cancelling in-flight tasks",
			"pool_type", wp.poolType,
			"timeout", timeout)
		<-done
	}
	wp.cancel()
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(0)
}

// Submit adds a task to the queue without blocking
func (wp *WorkerPool) Submit(task func(ctx context.Context)) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// QueuedTasks returns the number of tasks waiting for a worker
func (wp *WorkerPool) QueuedTasks() int {
	return len(wp.taskCh)
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool-"+wp.poolType, wp.logger)

	for task := range wp.taskCh {
		func() {
			defer func() {
				if r := recover(); r != nil {
					wp.logger.Errorw("Task panicked in worker",
						"pool_type", wp.poolType,
						"worker_id", id,
						"panic", r)
				}
			}()
			task(wp.ctx)
			metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolType).Inc()
		}()
	}
}
