// Package store persists transmission attempts.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"rxledger/internal/transmission/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

type InMemory struct {
	mu   sync.RWMutex
	byID map[domain.TransmissionID]*models.Transmission
}

func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[domain.TransmissionID]*models.Transmission)}
}

// Create inserts an attempt. A duplicate (report, attempt) or a second succeeded
// attempt for a report yields sentinel.ErrConflict.
func (s *InMemory) Create(ctx context.Context, t *models.Transmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.ReportID != t.ReportID {
			continue
		}
		if existing.Attempt == t.Attempt {
			return sentinel.ErrConflict
		}
		if existing.Status == models.StatusSucceeded && t.Status == models.StatusSucceeded {
			return sentinel.ErrConflict
		}
	}
	s.byID[t.ID] = t.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byID, t.ID)
	})
	return nil
}

func (s *InMemory) FindByID(_ context.Context, tenantID domain.TenantID, id domain.TransmissionID) (*models.Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok || t.TenantID != tenantID {
		return nil, sentinel.ErrNotFound
	}
	return t.Clone(), nil
}

// Execute runs validate then mutate under the store lock.
func (s *InMemory) Execute(ctx context.Context, tenantID domain.TenantID, id domain.TransmissionID, validate func(*models.Transmission) error, mutate func(*models.Transmission)) (*models.Transmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[id]
	if !ok || stored.TenantID != tenantID {
		return nil, sentinel.ErrNotFound
	}
	working := stored.Clone()
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)
	if working.Status == models.StatusSucceeded {
		for otherID, other := range s.byID {
			if otherID != id && other.ReportID == working.ReportID && other.Status == models.StatusSucceeded {
				return nil, sentinel.ErrConflict
			}
		}
	}
	s.byID[id] = working.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byID[id] = stored
	})
	return working, nil
}

// ListByReport returns a report's attempts ordered by attempt number.
func (s *InMemory) ListByReport(_ context.Context, tenantID domain.TenantID, reportID domain.ReportID) ([]*models.Transmission, error) {
	out := s.filter(func(t *models.Transmission) bool {
		return t.TenantID == tenantID && t.ReportID == reportID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

// ListStartedBetween returns attempts with from <= StartedAt < to, oldest first.
func (s *InMemory) ListStartedBetween(_ context.Context, tenantID domain.TenantID, from, to time.Time) ([]*models.Transmission, error) {
	out := s.filter(func(t *models.Transmission) bool {
		return t.TenantID == tenantID && !t.StartedAt.Before(from) && t.StartedAt.Before(to)
	})
	sortByStart(out)
	return out, nil
}

// ListPendingBefore returns pending attempts started before cutoff, oldest first.
func (s *InMemory) ListPendingBefore(_ context.Context, tenantID domain.TenantID, cutoff time.Time) ([]*models.Transmission, error) {
	out := s.filter(func(t *models.Transmission) bool {
		return t.TenantID == tenantID && t.IsStale(cutoff)
	})
	sortByStart(out)
	return out, nil
}

func (s *InMemory) filter(keep func(*models.Transmission) bool) []*models.Transmission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Transmission
	for _, t := range s.byID {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func sortByStart(ts []*models.Transmission) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].StartedAt.Equal(ts[j].StartedAt) {
			return ts[i].StartedAt.Before(ts[j].StartedAt)
		}
		return ts[i].Attempt < ts[j].Attempt
	})
}
