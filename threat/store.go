package threat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreatedHook is called after a new indicator is stored, outside the indicator lock
type CreatedHook func(ind *core.Indicator)

// IndicatorStore owns indicators. Every mutation of one indicator happens
// under its key lock, so concurrent observations merge instead of racing.
type IndicatorStore struct {
	repo   Repository
	locks  keyLocks
	now    func() time.Time
	logger *zap.SugaredLogger

	hookMu sync.RWMutex
	hooks  []CreatedHook
}

// NewIndicatorStore creates a store over repo
func NewIndicatorStore(repo Repository, logger *zap.SugaredLogger) *IndicatorStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IndicatorStore{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// OnCreated registers a hook for newly created indicators
func (s *IndicatorStore) OnCreated(h CreatedHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Upsert records an observation. A new (type, value) creates an indicator;
// an existing one keeps the higher confidence and threat level, gains the new
// tags and has its sighting bumped. The bool result is true on create.
func (s *IndicatorStore) Upsert(ctx context.Context, in core.IndicatorInput) (*core.Indicator, bool, error) {
	if err := in.Validate(); err != nil {
		return nil, false, err
	}
	normalized := core.NormalizeIndicatorValue(in.Type, in.Value)
	unlock := s.locks.lock(string(in.Type) + "|" + normalized)

	now := s.now()
	existing, err := s.repo.FindIndicator(ctx, in.Type, normalized)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		unlock()
		return nil, false, fmt.Errorf("failed to look up indicator: %w", err)
	}

	created := existing == nil
	var ind *core.Indicator
	if created {
		level := in.ThreatLevel
		if level == "" {
			level = core.SeverityInfo
		}
		ind = &core.Indicator{
			ID:          uuid.New().String(),
			Type:        in.Type,
			Value:       in.Value,
			Normalized:  normalized,
			ThreatLevel: level,
			Confidence:  in.Confidence,
			Tags:        core.MergeTags(nil, in.Tags),
			FirstSeen:   now,
			LastSeen:    now,
			SeenCount:   1,
		}
	} else {
		ind = existing
		if in.Confidence > ind.Confidence {
			ind.Confidence = in.Confidence
		}
		if in.ThreatLevel != "" {
			ind.ThreatLevel = core.MaxSeverity(ind.ThreatLevel, in.ThreatLevel)
		}
		ind.Tags = core.MergeTags(ind.Tags, in.Tags)
		if now.After(ind.LastSeen) {
			ind.LastSeen = now
		}
		ind.SeenCount++
	}

	if err := s.repo.SaveIndicator(ctx, ind); err != nil {
		unlock()
		return nil, false, fmt.Errorf("failed to save indicator: %w", err)
	}
	unlock()

	op := "updated"
	if created {
		op = "created"
		s.hookMu.RLock()
		hooks := s.hooks
		s.hookMu.RUnlock()
		for _, h := range hooks {
			h(ind.Clone())
		}
	}
	metrics.IndicatorsUpserted.WithLabelValues(string(ind.Type), op).Inc()
	s.logger.Debugw("Indicator upserted",
		"indicator_id", ind.ID,
		"type", ind.Type,
		"value", ind.Normalized,
		"op", op,
		"confidence", ind.Confidence)
	return ind, created, nil
}

// Enrich merges an enrichment result from source. A result carrying a
// confidence replaces the indicator's confidence.
func (s *IndicatorStore) Enrich(ctx context.Context, id, source string, rec core.EnrichmentRecord) (*core.Indicator, error) {
	current, err := s.repo.GetIndicator(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, current, func(ind *core.Indicator) {
		if ind.Enrichment == nil {
			ind.Enrichment = make(map[string]core.EnrichmentRecord)
		}
		if rec.FetchedAt.IsZero() {
			rec.FetchedAt = s.now()
		}
		ind.Enrichment[source] = rec
		if rec.Confidence != nil {
			conf := *rec.Confidence
			if conf < 0 {
				conf = 0
			}
			if conf > core.MaxConfidence {
				conf = core.MaxConfidence
			}
			ind.Confidence = conf
		}
	}, "enriched")
}

// Deprecate tags the indicator as retired. Indicators are never deleted.
func (s *IndicatorStore) Deprecate(ctx context.Context, id string) (*core.Indicator, error) {
	current, err := s.repo.GetIndicator(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, current, func(ind *core.Indicator) {
		ind.Tags = core.MergeTags(ind.Tags, []string{core.TagDeprecated})
	}, "deprecated")
}

// mutate re-reads the indicator under its lock and applies fn
func (s *IndicatorStore) mutate(ctx context.Context, current *core.Indicator, fn func(*core.Indicator), op string) (*core.Indicator, error) {
	unlock := s.locks.lock(string(current.Type) + "|" + current.Normalized)
	defer unlock()

	ind, err := s.repo.GetIndicator(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	fn(ind)
	if err := s.repo.SaveIndicator(ctx, ind); err != nil {
		return nil, fmt.Errorf("failed to save indicator: %w", err)
	}
	metrics.IndicatorsUpserted.WithLabelValues(string(ind.Type), op).Inc()
	return ind, nil
}

// Get returns an indicator by id
func (s *IndicatorStore) Get(ctx context.Context, id string) (*core.Indicator, error) {
	return s.repo.GetIndicator(ctx, id)
}

// Find returns the indicator for a type and raw value
func (s *IndicatorStore) Find(ctx context.Context, t core.IndicatorType, value string) (*core.Indicator, error) {
	return s.repo.FindIndicator(ctx, t, core.NormalizeIndicatorValue(t, value))
}

// List returns indicators matching filter
func (s *IndicatorStore) List(ctx context.Context, filter core.IndicatorFilter) ([]*core.Indicator, error) {
	return s.repo.ListIndicators(ctx, filter)
}
