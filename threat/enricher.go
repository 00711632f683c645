package threat

import (
	"context"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// EnricherConfig tunes the enrichment pipeline
type EnricherConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Enricher looks new indicators up in every provider that supports their
// type. Lookups run on a worker pool; results pass through the cache chain
// (first hit wins, every level is filled on a provider call).
type Enricher struct {
	store     *IndicatorStore
	providers []Provider
	caches    []Cache
	pool      *core.WorkerPool
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

// NewEnricher creates an enricher. Call Start before queueing work.
func NewEnricher(ctx context.Context, cfg EnricherConfig, store *IndicatorStore, providers []Provider, caches []Cache, logger *zap.SugaredLogger) *Enricher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Enricher{
		store:     store,
		providers: providers,
		caches:    caches,
		pool:      core.NewWorkerPool(ctx, cfg.Workers, cfg.QueueSize, "enrichment", logger),
		timeout:   cfg.RequestTimeout,
		logger:    logger,
	}
}

// Start runs the workers and subscribes to newly created indicators
func (e *Enricher) Start() {
	e.pool.Start()
	e.store.OnCreated(func(ind *core.Indicator) { e.Enqueue(ind) })
}

// Stop waits up to timeout for queued lookups
func (e *Enricher) Stop(timeout time.Duration) {
	e.pool.Stop(timeout)
}

// Enqueue schedules an indicator for enrichment. A full queue drops the
// request; enrichment is best effort.
func (e *Enricher) Enqueue(ind *core.Indicator) {
	if len(e.providers) == 0 {
		return
	}
	if err := e.pool.Submit(func(ctx context.Context) { e.EnrichIndicator(ctx, ind) }); err != nil {
		e.logger.Warnw("Enrichment request dropped", "indicator_id", ind.ID, "error", err)
	}
}

// EnrichIndicator queries every supporting provider and merges the results
func (e *Enricher) EnrichIndicator(ctx context.Context, ind *core.Indicator) {
	for _, p := range e.providers {
		if !p.Supports(ind.Type) {
			continue
		}
		rec, ok := e.lookup(ctx, p, ind)
		if !ok {
			continue
		}
		if _, err := e.store.Enrich(ctx, ind.ID, p.Name(), rec); err != nil {
			e.logger.Warnw("Failed to store enrichment", "indicator_id", ind.ID, "provider", p.Name(), "error", err)
		}
	}
}

func (e *Enricher) lookup(ctx context.Context, p Provider, ind *core.Indicator) (core.EnrichmentRecord, bool) {
	key := CacheKey(p.Name(), ind.Type, ind.Normalized)
	for i, c := range e.caches {
		if rec, ok := c.Get(ctx, key); ok {
			for _, upper := range e.caches[:i] {
				_ = upper.Set(ctx, key, *rec)
			}
			metrics.EnrichmentRequests.WithLabelValues(p.Name(), "cached").Inc()
			return *rec, true
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	rec, err := p.Enrich(reqCtx, ind.Type, ind.Normalized)
	if err != nil {
		metrics.EnrichmentRequests.WithLabelValues(p.Name(), "error").Inc()
		e.logger.Warnw("Enrichment lookup failed",
			"provider", p.Name(),
			"indicator_id", ind.ID,
			"type", ind.Type,
			"error", err)
		return core.EnrichmentRecord{}, false
	}
	metrics.EnrichmentRequests.WithLabelValues(p.Name(), "success").Inc()

	for _, c := range e.caches {
		if err := c.Set(ctx, key, rec); err != nil {
			e.logger.Debugw("Failed to cache enrichment", "provider", p.Name(), "error", err)
		}
	}
	return rec, true
}
