// Package store persists regulatory reports.
package store

import (
	"context"
	"sort"
	"sync"

	"rxledger/internal/report/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

type periodKey struct {
	tenant domain.TenantID
	period domain.Period
}

type InMemory struct {
	mu       sync.RWMutex
	byID     map[domain.ReportID]*models.RegulatoryReport
	byPeriod map[periodKey]domain.ReportID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[domain.ReportID]*models.RegulatoryReport),
		byPeriod: make(map[periodKey]domain.ReportID),
	}
}

// Create inserts a report. A report for the same (tenant, period) yields sentinel.ErrConflict.
func (s *InMemory) Create(ctx context.Context, r *models.RegulatoryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := periodKey{tenant: r.TenantID, period: r.Period}
	if _, ok := s.byPeriod[key]; ok {
		return sentinel.ErrConflict
	}
	s.byPeriod[key] = r.ID
	s.byID[r.ID] = r.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byPeriod, key)
		delete(s.byID, r.ID)
	})
	return nil
}

func (s *InMemory) FindByID(_ context.Context, tenantID domain.TenantID, id domain.ReportID) (*models.RegulatoryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok || r.TenantID != tenantID {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemory) FindByPeriod(_ context.Context, tenantID domain.TenantID, period domain.Period) (*models.RegulatoryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPeriod[periodKey{tenant: tenantID, period: period}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// Execute runs validate then mutate under the store lock. A validate error aborts without writing.
func (s *InMemory) Execute(ctx context.Context, tenantID domain.TenantID, id domain.ReportID, validate func(*models.RegulatoryReport) error, mutate func(*models.RegulatoryReport)) (*models.RegulatoryReport, error) {
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
	s.byID[id] = working.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byID[id] = stored
	})
	return working, nil
}

// List returns the tenant's reports ordered by period.
func (s *InMemory) List(_ context.Context, tenantID domain.TenantID) ([]*models.RegulatoryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RegulatoryReport
	for _, r := range s.byID {
		if r.TenantID == tenantID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}

// AttachedEventIDs returns which of eventIDs are already covered by some report of the tenant.
func (s *InMemory) AttachedEventIDs(_ context.Context, tenantID domain.TenantID, eventIDs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = true
	}
	attached := make(map[string]bool)
	for _, r := range s.byID {
		if r.TenantID != tenantID {
			continue
		}
		for _, ev := range r.Events {
			if wanted[ev.ID] {
				attached[ev.ID] = true
			}
		}
	}
	return attached, nil
}
