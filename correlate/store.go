package correlate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"argus/core"
)

// AlertStore persists alerts. Implementations return core.ErrNotFound
// (possibly wrapped) for unknown alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, a *core.Alert) error
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	// FindActiveAlert returns the newest new or investigating alert with the
	// given fingerprint created at or after since
	FindActiveAlert(ctx context.Context, fingerprint string, since time.Time) (*core.Alert, error)
	ListAlerts(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error)
}

// MemoryAlertStore keeps alerts in process memory
type MemoryAlertStore struct {
	mu            sync.RWMutex
	alerts        map[string]*core.Alert
	byFingerprint map[string][]string
}

// NewMemoryAlertStore creates an empty store
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		alerts:        make(map[string]*core.Alert),
		byFingerprint: make(map[string][]string),
	}
}

// SaveAlert implements AlertStore
func (s *MemoryAlertStore) SaveAlert(ctx context.Context, a *core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[a.ID]; !exists && a.Fingerprint != "" {
		s.byFingerprint[a.Fingerprint] = append(s.byFingerprint[a.Fingerprint], a.ID)
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

// GetAlert implements AlertStore
func (s *MemoryAlertStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	return a.Clone(), nil
}

// FindActiveAlert implements AlertStore
func (s *MemoryAlertStore) FindActiveAlert(ctx context.Context, fingerprint string, since time.Time) (*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *core.Alert
	for _, id := range s.byFingerprint[fingerprint] {
		a := s.alerts[id]
		if !a.Status.IsActive() || a.CreatedAt.Before(since) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("active alert %s: %w", fingerprint, core.ErrNotFound)
	}
	return best.Clone(), nil
}

// ListAlerts implements AlertStore, newest first
func (s *MemoryAlertStore) ListAlerts(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error) {
	s.mu.RLock()
	out := make([]*core.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if filter.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
