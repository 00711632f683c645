package threat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"argus/core"
)

// Repository persists indicators. Implementations return core.ErrNotFound
// (possibly wrapped) for unknown indicators.
type Repository interface {
	GetIndicator(ctx context.Context, id string) (*core.Indicator, error)
	FindIndicator(ctx context.Context, t core.IndicatorType, normalized string) (*core.Indicator, error)
	SaveIndicator(ctx context.Context, ind *core.Indicator) error
	ListIndicators(ctx context.Context, filter core.IndicatorFilter) ([]*core.Indicator, error)
}

// MemoryRepository keeps indicators in process memory
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[string]*core.Indicator
	byKey map[string]string
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:  make(map[string]*core.Indicator),
		byKey: make(map[string]string),
	}
}

// GetIndicator implements Repository
func (r *MemoryRepository) GetIndicator(ctx context.Context, id string) (*core.Indicator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ind, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("indicator %s: %w", id, core.ErrNotFound)
	}
	return ind.Clone(), nil
}

// FindIndicator implements Repository
func (r *MemoryRepository) FindIndicator(ctx context.Context, t core.IndicatorType, normalized string) (*core.Indicator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[string(t)+"|"+normalized]
	if !ok {
		return nil, fmt.Errorf("indicator %s %s: %w", t, normalized, core.ErrNotFound)
	}
	return r.byID[id].Clone(), nil
}

// SaveIndicator implements Repository
func (r *MemoryRepository) SaveIndicator(ctx context.Context, ind *core.Indicator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[ind.ID] = ind.Clone()
	r.byKey[string(ind.Type)+"|"+ind.Normalized] = ind.ID
	return nil
}

// ListIndicators implements Repository, ordered by last sighting, newest first
func (r *MemoryRepository) ListIndicators(ctx context.Context, filter core.IndicatorFilter) ([]*core.Indicator, error) {
	r.mu.RLock()
	out := make([]*core.Indicator, 0, len(r.byID))
	for _, ind := range r.byID {
		if filter.Matches(ind) {
			out = append(out, ind.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
