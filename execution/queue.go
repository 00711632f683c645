package execution

import (
	"container/list"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// QueueKey partitions executions by target kind and tool
type QueueKey struct {
	Kind   string
	ToolID string
}

func (k QueueKey) String() string {
	return k.Kind + "/" + k.ToolID
}

// QueueStats is a point-in-time view of one queue
type QueueStats struct {
	Key           string        `json:"key"`
	Pending       int           `json:"pending"`
	Running       int           `json:"running"`
	MaxConcurrent int           `json:"max_concurrent"`
	MinInterval   time.Duration `json:"min_interval,omitempty"`
}

// queue is a FIFO of jobs with a concurrency bound. The running counter is
// only changed under mu, at admission and release. A rate-limited queue has a
// single slot and waits on its limiter before each start.
type queue struct {
	key           QueueKey
	maxConcurrent int
	minInterval   time.Duration
	limiter       *rate.Limiter

	mu      sync.Mutex
	pending *list.List
	index   map[string]*list.Element
	running int

	run    func(j *job)
	wg     *sync.WaitGroup
	logger *zap.SugaredLogger
}

func newQueue(key QueueKey, maxConcurrent int, minInterval time.Duration, run func(j *job), wg *sync.WaitGroup, logger *zap.SugaredLogger) *queue {
	q := &queue{
		key:           key,
		maxConcurrent: maxConcurrent,
		minInterval:   minInterval,
		pending:       list.New(),
		index:         make(map[string]*list.Element),
		run:           run,
		wg:            wg,
		logger:        logger,
	}
	if minInterval > 0 {
		q.maxConcurrent = 1
		q.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	if q.maxConcurrent <= 0 {
		q.maxConcurrent = 1
	}
	return q
}

// enqueue appends a job and admits as many jobs as the bound allows
func (q *queue) enqueue(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.index[j.id] = q.pending.PushBack(j)
	q.dispatchLocked()
}

// remove takes a job that has not been admitted out of the queue
func (q *queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[id]
	if !ok {
		return false
	}
	q.pending.Remove(e)
	delete(q.index, id)
	q.updateGaugesLocked()
	return true
}

// drain removes and returns every job that has not been admitted
func (q *queue) drain() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*job, 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		jobs = append(jobs, e.Value.(*job))
	}
	q.pending.Init()
	q.index = make(map[string]*list.Element)
	q.updateGaugesLocked()
	return jobs
}

func (q *queue) dispatchLocked() {
	for q.running < q.maxConcurrent && q.pending.Len() > 0 {
		e := q.pending.Front()
		q.pending.Remove(e)
		j := e.Value.(*job)
		delete(q.index, j.id)

		q.running++
		q.wg.Add(1)
		go q.execute(j)
	}
	q.updateGaugesLocked()
}

func (q *queue) execute(j *job) {
	defer q.wg.Done()
	defer q.release()
	defer goroutine.Recover("execution-queue-"+q.key.String(), q.logger)

	if q.limiter != nil {
		if err := q.limiter.Wait(j.ctx); err != nil {
			q.logger.Debugw("Rate-limited start abandoned", "execution_id", j.id, "queue", q.key.String(), "error", err)
		}
	}
	q.run(j)
}

func (q *queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--
	q.dispatchLocked()
}

func (q *queue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Key:           q.key.String(),
		Pending:       q.pending.Len(),
		Running:       q.running,
		MaxConcurrent: q.maxConcurrent,
		MinInterval:   q.minInterval,
	}
}

func (q *queue) updateGaugesLocked() {
	label := q.key.String()
	metrics.QueueDepth.WithLabelValues(label).Set(float64(q.pending.Len()))
	metrics.QueueRunning.WithLabelValues(label).Set(float64(q.running))
}

func queueKeyFor(target core.Target, toolID string) QueueKey {
	return QueueKey{Kind: target.Kind(), ToolID: toolID}
}
