// Package execution runs forensic tools on behalf of callers.
//
// The Orchestrator validates and queues requests, runs each admitted
// execution on its own goroutine through a surface-specific Launcher, enforces
// the timeout with a watchdog, parses the captured output and emits exactly
// one CompletionEvent per execution.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/parsers"
	"argus/registry"
	"argus/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrOrchestratorClosed is returned by Submit after Shutdown
var ErrOrchestratorClosed = errors.New("orchestrator is shut down")

// Config holds orchestrator tuning
type Config struct {
	DefaultMaxConcurrent int           `mapstructure:"default_max_concurrent"`
	KillGracePeriod      time.Duration `mapstructure:"kill_grace_period"`
	StartRetryBackoff    time.Duration `mapstructure:"start_retry_backoff"`
	MaxOutputLines       int           `mapstructure:"max_output_lines"`
	RetainCompleted      time.Duration `mapstructure:"retain_completed"` // negative disables eviction
	JanitorInterval      time.Duration `mapstructure:"janitor_interval"`
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{
		DefaultMaxConcurrent: 3,
		KillGracePeriod:      5 * time.Second,
		StartRetryBackoff:    DefaultStartRetryBackoff,
		MaxOutputLines:       DefaultMaxOutputLines,
		RetainCompleted:      time.Hour,
		JanitorInterval:      time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = d.DefaultMaxConcurrent
	}
	if c.KillGracePeriod <= 0 {
		c.KillGracePeriod = d.KillGracePeriod
	}
	if c.StartRetryBackoff <= 0 {
		c.StartRetryBackoff = d.StartRetryBackoff
	}
	if c.MaxOutputLines <= 0 {
		c.MaxOutputLines = d.MaxOutputLines
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	// A negative retention keeps terminal executions in memory forever
	if c.RetainCompleted == 0 {
		c.RetainCompleted = d.RetainCompleted
	}
}

// Resolver is the slice of the tool registry the orchestrator needs
type Resolver interface {
	Resolve(toolID string) (*registry.Tool, error)
	ValidateParameters(toolID string, params map[string]interface{}) error
	BuildArgs(toolID string, exec *core.ToolExecution) ([]string, error)
}

// ParserLookup finds the parser for a parser id
type ParserLookup interface {
	Get(id string) (parsers.Parser, bool)
}

// ExecutionStore persists terminal executions
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *core.ToolExecution) error
	GetExecution(ctx context.Context, id string) (*core.ToolExecution, error)
	ListExecutions(ctx context.Context, filter core.ExecutionFilter) ([]*core.ToolExecution, error)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLauncher sets the launcher for a surface
func WithLauncher(surface core.Surface, l Launcher) Option {
	return func(o *Orchestrator) { o.launchers[surface] = l }
}

// WithStore persists terminal executions and serves evicted ones
func WithStore(store ExecutionStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// Orchestrator is the public entry point for tool executions
type Orchestrator struct {
	cfg       Config
	resolver  Resolver
	parsers   ParserLookup
	launchers map[core.Surface]Launcher
	store     ExecutionStore
	logger    *zap.SugaredLogger

	mu        sync.RWMutex
	jobs      map[string]*job
	queues    map[QueueKey]*queue
	listeners []CompletionListener
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	runWG  sync.WaitGroup

	evMu         sync.Mutex
	eventsClosed bool
	eventWG      sync.WaitGroup

	janitorStop chan struct{}
	janitorDone chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewOrchestrator creates an orchestrator. A LocalLauncher is installed for the
// local surface unless overridden.
func NewOrchestrator(cfg Config, resolver Resolver, parserLookup ParserLookup, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		resolver:    resolver,
		parsers:     parserLookup,
		launchers:   map[core.Surface]Launcher{core.SurfaceLocal: NewLocalLauncher(logger)},
		logger:      logger,
		jobs:        make(map[string]*job),
		queues:      make(map[QueueKey]*queue),
		ctx:         ctx,
		cancel:      cancel,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddListener registers a completion listener
func (o *Orchestrator) AddListener(l CompletionListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Start launches the eviction janitor
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		go o.janitor()
	})
}

// Submit validates a request, resolves its tool and queues it. No execution
// record exists if Submit returns an error.
func (o *Orchestrator) Submit(ctx context.Context, req core.ExecutionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return "", ErrOrchestratorClosed
	}

	if req.TimeoutSeconds == 0 && req.ToolID != "" {
		if tool, err := o.resolver.Resolve(req.ToolID); err == nil && tool.DefaultTimeout > 0 {
			req.TimeoutSeconds = int(tool.DefaultTimeout / time.Second)
		}
	}
	if err := req.Validate(); err != nil {
		return "", o.reject("validation", req.ToolID, err)
	}

	tool, err := o.resolver.Resolve(req.ToolID)
	if err != nil {
		return "", o.reject("tool_not_installed", req.ToolID, err)
	}

	if req.Target.Surface == "" {
		req.Target.Surface = tool.EffectiveSurface()
		if err := req.Target.Validate(); err != nil {
			return "", o.reject("validation", req.ToolID, err)
		}
	}
	if req.Target.Surface != tool.EffectiveSurface() {
		err := core.NewValidationError("target.surface",
			fmt.Sprintf("tool %s runs on %s", tool.ID, tool.EffectiveSurface()))
		return "", o.reject("validation", req.ToolID, err)
	}
	if _, ok := o.launchers[req.Target.Surface]; !ok {
		err := core.NewValidationError("target.surface",
			fmt.Sprintf("surface %s is not available", req.Target.Surface))
		return "", o.reject("validation", req.ToolID, err)
	}

	if err := o.resolver.ValidateParameters(req.ToolID, req.Parameters); err != nil {
		return "", o.reject("validation", req.ToolID, err)
	}

	exec := &core.ToolExecution{
		ID:             uuid.New().String(),
		ToolID:         req.ToolID,
		Parameters:     core.CloneMap(req.Parameters),
		Target:         req.Target,
		CaseID:         req.CaseID,
		TimeoutSeconds: req.TimeoutSeconds,
		Status:         core.ExecutionStatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	j := newJob(o.ctx, exec, *tool, o.cfg.MaxOutputLines)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		j.cancel()
		return "", ErrOrchestratorClosed
	}
	o.jobs[j.id] = j
	j.queue = o.queueForLocked(req.Target, tool)
	o.mu.Unlock()

	metrics.ExecutionsSubmitted.WithLabelValues(exec.ToolID).Inc()
	o.logger.Infow("Execution queued",
		"execution_id", exec.ID,
		"tool_id", exec.ToolID,
		"queue", j.queue.key.String(),
		"case_id", exec.CaseID,
		"timeout_seconds", exec.TimeoutSeconds)

	j.queue.enqueue(j)
	return exec.ID, nil
}

func (o *Orchestrator) reject(reason, toolID string, err error) error {
	metrics.ExecutionsRejected.WithLabelValues(reason).Inc()
	o.logger.Infow("Execution rejected", "tool_id", toolID, "reason", reason, "error", err)
	return err
}

func (o *Orchestrator) queueForLocked(target core.Target, tool *registry.Tool) *queue {
	key := queueKeyFor(target, tool.ID)
	if q, ok := o.queues[key]; ok {
		return q
	}
	maxConcurrent := tool.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = o.cfg.DefaultMaxConcurrent
	}
	q := newQueue(key, maxConcurrent, tool.MinInterval, o.runJob, &o.runWG, o.logger)
	o.queues[key] = q
	return q
}

// runJob executes an admitted job on the queue's goroutine
func (o *Orchestrator) runJob(j *job) {
	logger := o.logger.With("execution_id", j.id, "tool_id", j.tool.ID)

	if j.ctx.Err() != nil {
		o.finish(j, outcome{status: core.ExecutionStatusCancelled, err: core.ErrCancelled.Error()})
		return
	}

	// The binary may have been removed since Submit
	tool, err := o.resolver.Resolve(j.tool.ID)
	if err != nil {
		o.finish(j, outcome{status: core.ExecutionStatusFailed, err: err.Error()})
		return
	}

	exec := j.snapshot(false)
	args, err := o.resolver.BuildArgs(tool.ID, exec)
	if err != nil {
		o.finish(j, outcome{status: core.ExecutionStatusFailed, err: err.Error()})
		return
	}

	launcher := o.launchers[exec.Target.Surface]
	started := time.Now().UTC()
	if !j.markRunning(started) {
		return
	}
	logger.Infow("Execution started", "surface", exec.Target.Surface, "destination", exec.Target.Destination)

	spec := LaunchSpec{
		ExecutionID: j.id,
		Tool:        *tool,
		Args:        args,
		Target:      exec.Target,
		Parameters:  exec.Parameters,
	}
	proc, err := startWithRetry(j.ctx, tool.ID, o.cfg.StartRetryBackoff, logger, func() (Process, error) {
		return launcher.Launch(j.ctx, spec, j.output)
	})
	if err != nil {
		if j.ctx.Err() != nil {
			o.finish(j, outcome{status: core.ExecutionStatusCancelled, err: core.ErrCancelled.Error()})
			return
		}
		logger.Warnw("Execution failed to start", "error", err)
		o.finish(j, outcome{status: core.ExecutionStatusFailed, err: fmt.Sprintf("failed to start: %v", err)})
		return
	}

	// The watchdog measures from StartedAt, so start retries count against the timeout
	o.supervise(j, tool, exec.Timeout(), started.Add(exec.Timeout()), proc, logger)
}

type waitResult struct {
	exitCode int
	err      error
}

// supervise waits for the process, the watchdog or a cancel, whichever is first.
// The watchdog fires at deadline.
func (o *Orchestrator) supervise(j *job, tool *registry.Tool, timeout time.Duration, deadline time.Time, proc Process, logger *zap.SugaredLogger) {
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		waitCh <- waitResult{exitCode: code, err: err}
	}()

	watchdog := time.NewTimer(time.Until(deadline))
	defer watchdog.Stop()

	var res waitResult
	var stopped core.ExecutionStatus
	select {
	case res = <-waitCh:
	case <-watchdog.C:
		stopped = core.ExecutionStatusTimeout
		logger.Warnw("Execution timed out, terminating", "timeout", timeout)
	case <-j.ctx.Done():
		stopped = core.ExecutionStatusCancelled
		logger.Infow("Execution cancelled, terminating")
	}

	if stopped != "" {
		if err := proc.Terminate(o.cfg.KillGracePeriod); err != nil {
			logger.Warnw("Terminate reported an error", "error", err)
		}
		res = <-waitCh
	}

	switch stopped {
	case core.ExecutionStatusTimeout:
		o.finish(j, outcome{
			status:   core.ExecutionStatusTimeout,
			exitCode: exitCodePtr(res),
			err:      fmt.Sprintf("%v after %s", core.ErrTimeout, timeout),
		})
		return
	case core.ExecutionStatusCancelled:
		o.finish(j, outcome{
			status:   core.ExecutionStatusCancelled,
			exitCode: exitCodePtr(res),
			err:      core.ErrCancelled.Error(),
		})
		return
	}

	if res.err != nil {
		o.finish(j, outcome{status: core.ExecutionStatusFailed, err: res.err.Error()})
		return
	}

	// The process has exited and every reader has drained
	j.output.Seal()
	code := res.exitCode
	result, perr := o.parse(j, tool, code, logger)
	switch {
	case perr != nil:
		o.finish(j, outcome{status: core.ExecutionStatusFailed, exitCode: &code, err: perr.Error()})
	case tool.FailOnNonZeroExit && code != 0:
		o.finish(j, outcome{
			status:   core.ExecutionStatusFailed,
			exitCode: &code,
			result:   result,
			err:      fmt.Sprintf("tool exited with code %d", code),
		})
	default:
		o.finish(j, outcome{status: core.ExecutionStatusSucceeded, exitCode: &code, result: result})
	}
}

func exitCodePtr(res waitResult) *int {
	if res.err != nil || res.exitCode < 0 {
		return nil
	}
	code := res.exitCode
	return &code
}

// parse extracts the structured result whatever the exit code was. A parser
// panic is reported as a parse error.
func (o *Orchestrator) parse(j *job, tool *registry.Tool, exitCode int, logger *zap.SugaredLogger) (map[string]interface{}, error) {
	parserID := tool.ParserID()
	p, ok := o.parsers.Get(parserID)
	if !ok {
		return nil, core.NewParseError(parserID, "no parser registered")
	}

	raw := parsers.NewRawOutput(tool.ID, j.output.Lines(), exitCode)
	var result map[string]interface{}
	err := goroutine.Safely("parser-"+parserID, logger, func() error {
		var perr error
		result, perr = p.Parse(raw)
		return perr
	})
	if err != nil {
		if errors.Is(err, core.ErrParse) {
			return nil, err
		}
		return nil, core.NewParseError(parserID, err.Error())
	}
	if len(result) == 0 {
		return nil, core.NewParseError(parserID, "empty result")
	}
	return result, nil
}

// finish records a terminal outcome and emits the completion event. Later
// calls for the same job are no-ops.
func (o *Orchestrator) finish(j *job, out outcome) {
	snap := j.complete(out, time.Now().UTC())
	if snap == nil {
		return
	}

	metrics.ExecutionsCompleted.WithLabelValues(snap.ToolID, string(snap.Status)).Inc()
	if snap.StartedAt != nil {
		metrics.ExecutionDuration.WithLabelValues(snap.ToolID).Observe(snap.Duration().Seconds())
	}
	o.logger.Infow("Execution completed",
		"execution_id", snap.ID,
		"tool_id", snap.ToolID,
		"status", snap.Status,
		"exit_code", snap.ExitCode,
		"duration", snap.Duration(),
		"output_lines", len(snap.Output),
		"error", snap.Error)

	o.emit(CompletionEvent{Execution: snap, Findings: BuildFindings(snap)})
}

// emit delivers ev on its own goroutine. After Shutdown has stopped accepting
// events the delivery runs inline so no event is lost.
func (o *Orchestrator) emit(ev CompletionEvent) {
	o.mu.RLock()
	listeners := make([]CompletionListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.RUnlock()

	o.evMu.Lock()
	if o.eventsClosed {
		o.evMu.Unlock()
		o.deliver(ev, listeners)
		return
	}
	o.eventWG.Add(1)
	o.evMu.Unlock()

	go func() {
		defer o.eventWG.Done()
		o.deliver(ev, listeners)
	}()
}

func (o *Orchestrator) deliver(ev CompletionEvent, listeners []CompletionListener) {
	defer goroutine.Recover("execution-events", o.logger)
	ctx := context.Background()

	if o.store != nil {
		if err := o.store.SaveExecution(ctx, ev.Execution); err != nil {
			o.logger.Errorw("Failed to persist execution", "execution_id", ev.Execution.ID, "error", err)
		}
	}

	for i, l := range listeners {
		err := goroutine.Safely(fmt.Sprintf("completion-listener-%d", i), o.logger, func() error {
			return l.OnExecutionCompleted(ctx, ev)
		})
		if err != nil {
			o.logger.Warnw("Completion listener failed", "execution_id", ev.Execution.ID, "listener", i, "error", err)
		}
	}
	metrics.CompletionEventsEmitted.WithLabelValues(string(ev.Execution.Status)).Inc()
}

// BuildFindings turns a terminal execution into findings. Each parsed finding
// becomes one Finding; executions that did not succeed also carry a status
// finding so rules can match on failures.
func BuildFindings(exec *core.ToolExecution) []core.Finding {
	ts := exec.CreatedAt
	if exec.CompletedAt != nil {
		ts = *exec.CompletedAt
	}
	newFinding := func(fields map[string]interface{}, refs []core.IndicatorRef) core.Finding {
		return core.Finding{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			ToolID:      exec.ToolID,
			CaseID:      exec.CaseID,
			Target:      exec.Target,
			Fields:      fields,
			Indicators:  refs,
			Timestamp:   ts,
		}
	}

	var findings []core.Finding
	for _, ef := range parsers.ExtractFindings(exec.Result) {
		findings = append(findings, newFinding(ef.Fields, ef.Indicators))
	}

	if exec.Status != core.ExecutionStatusSucceeded {
		fields := map[string]interface{}{
			"execution_status": string(exec.Status),
			"error":            exec.Error,
		}
		if exec.ExitCode != nil {
			fields["exit_code"] = *exec.ExitCode
		}
		findings = append(findings, newFinding(fields, nil))
	}
	return findings
}

func (o *Orchestrator) lookup(id string) *job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.jobs[id]
}

// GetStatus returns a snapshot of an execution
func (o *Orchestrator) GetStatus(id string, includeOutput bool) (*core.ToolExecution, error) {
	if j := o.lookup(id); j != nil {
		return j.snapshot(includeOutput), nil
	}
	exec, err := o.fromStore(id)
	if err != nil {
		return nil, err
	}
	if !includeOutput {
		exec.Output = nil
	}
	return exec, nil
}

func (o *Orchestrator) fromStore(id string) (*core.ToolExecution, error) {
	if o.store == nil {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	exec, err := o.store.GetExecution(context.Background(), id)
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", id, err)
	}
	return exec, nil
}

// Cancel requests cancellation and returns immediately. It is a no-op for
// terminal executions. A queued execution that has not been admitted is
// cancelled on the spot; a running one is terminated by its supervisor.
func (o *Orchestrator) Cancel(id string) error {
	j := o.lookup(id)
	if j == nil {
		_, err := o.fromStore(id)
		return err
	}
	if j.status().IsTerminal() {
		return nil
	}

	if j.queue.remove(j.id) {
		o.finish(j, outcome{status: core.ExecutionStatusCancelled, err: core.ErrCancelled.Error()})
		o.logger.Infow("Queued execution cancelled", "execution_id", id)
		return nil
	}

	j.cancel()
	o.logger.Infow("Cancellation requested", "execution_id", id)
	return nil
}

// StreamOutput follows an execution's output from the first line. The channel
// closes once the execution is terminal and fully drained, or when ctx is done.
func (o *Orchestrator) StreamOutput(ctx context.Context, id string) (<-chan core.OutputLine, error) {
	if j := o.lookup(id); j != nil {
		return j.output.Stream(ctx), nil
	}
	exec, err := o.fromStore(id)
	if err != nil {
		return nil, err
	}
	return ReplayLines(ctx, exec.Output), nil
}

// Wait blocks until the execution is terminal or ctx is done
func (o *Orchestrator) Wait(ctx context.Context, id string) (*core.ToolExecution, error) {
	j := o.lookup(id)
	if j == nil {
		exec, err := o.fromStore(id)
		if err != nil {
			return nil, err
		}
		exec.Output = nil
		return exec, nil
	}
	select {
	case <-j.done:
		return j.snapshot(false), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns executions matching filter, oldest first. Evicted executions
// are included when a store is configured.
func (o *Orchestrator) List(ctx context.Context, filter core.ExecutionFilter) ([]*core.ToolExecution, error) {
	o.mu.RLock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.RUnlock()

	seen := make(map[string]bool, len(jobs))
	var out []*core.ToolExecution
	for _, j := range jobs {
		snap := j.snapshot(false)
		seen[snap.ID] = true
		if filter.Matches(snap) {
			out = append(out, snap)
		}
	}

	if o.store != nil {
		stored, err := o.store.ListExecutions(ctx, core.ExecutionFilter{CaseID: filter.CaseID, ToolID: filter.ToolID, Status: filter.Status})
		if err != nil {
			return nil, fmt.Errorf("failed to list stored executions: %w", err)
		}
		for _, e := range stored {
			if !seen[e.ID] {
				e.Output = nil
				out = append(out, e)
			}
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Queues reports every queue's depth and running count
func (o *Orchestrator) Queues() []QueueStats {
	o.mu.RLock()
	stats := make([]QueueStats, 0, len(o.queues))
	for _, q := range o.queues {
		stats = append(stats, q.stats())
	}
	o.mu.RUnlock()
	sort.Slice(stats, func(a, b int) bool { return stats[a].Key < stats[b].Key })
	return stats
}

func (o *Orchestrator) janitor() {
	defer close(o.janitorDone)
	defer goroutine.Recover("execution-janitor", o.logger)

	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.janitorStop:
			return
		case now := <-ticker.C:
			if n := o.evictCompleted(now.UTC()); n > 0 {
				o.logger.Debugw("Evicted completed executions", "count", n)
			}
		}
	}
}

// evictCompleted drops terminal executions completed more than
// RetainCompleted before now
func (o *Orchestrator) evictCompleted(now time.Time) int {
	if o.cfg.RetainCompleted <= 0 {
		return 0
	}
	cutoff := now.Add(-o.cfg.RetainCompleted)

	o.mu.Lock()
	defer o.mu.Unlock()
	evicted := 0
	for id, j := range o.jobs {
		if at := j.completedAt(); at != nil && at.Before(cutoff) {
			delete(o.jobs, id)
			evicted++
		}
	}
	return evicted
}

// Shutdown cancels every non-terminal execution and waits for supervisors and
// event delivery to finish, or for ctx
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	queues := make([]*queue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()

	o.logger.Infow("Shutting down orchestrator")

	for _, q := range queues {
		for _, j := range q.drain() {
			o.finish(j, outcome{status: core.ExecutionStatusCancelled, err: "cancelled: orchestrator shutting down"})
		}
	}
	o.cancel()

	o.stopOnce.Do(func() { close(o.janitorStop) })
	o.startOnce.Do(func() { close(o.janitorDone) })

	if err := waitGroupWithContext(ctx, &o.runWG); err != nil {
		return fmt.Errorf("timed out waiting for executions: %w", err)
	}

	o.evMu.Lock()
	o.eventsClosed = true
	o.evMu.Unlock()
	if err := waitGroupWithContext(ctx, &o.eventWG); err != nil {
		return fmt.Errorf("timed out waiting for completion events: %w", err)
	}

	select {
	case <-o.janitorDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.logger.Infow("Orchestrator stopped")
	return nil
}

func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
