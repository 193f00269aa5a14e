// Package store persists monthly balances. The in-memory store serializes
// Execute callbacks with its mutex; the PostgreSQL store uses SELECT ... FOR UPDATE.
package store

import (
	"context"
	"sort"
	"sync"

	"rxledger/internal/balance/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

type periodKey struct {
	tenant       domain.TenantID
	medicationID string
	period       domain.Period
}

type InMemory struct {
	mu       sync.RWMutex
	byID     map[domain.BalanceID]*models.MonthlyBalance
	byPeriod map[periodKey]domain.BalanceID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[domain.BalanceID]*models.MonthlyBalance),
		byPeriod: make(map[periodKey]domain.BalanceID),
	}
}

func keyOf(b *models.MonthlyBalance) periodKey {
	return periodKey{tenant: b.TenantID, medicationID: b.Medication.ID, period: b.Period}
}

// SaveOpen inserts the balance, or overwrites the stored balance of the same
// (tenant, medication, period) while it is still open. The stored ID wins and is
// written back into b. Returns sentinel.ErrInvalidState if the stored balance is closed.
func (s *InMemory) SaveOpen(ctx context.Context, b *models.MonthlyBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var previous *models.MonthlyBalance
	if id, ok := s.byPeriod[keyOf(b)]; ok {
		previous = s.byID[id]
		if previous.IsClosed() {
			return sentinel.ErrInvalidState
		}
		b.ID = id
	}
	s.byPeriod[keyOf(b)] = b.ID
	s.byID[b.ID] = b.Clone()

	saved := b.Clone()
	tx.OnRollback(ctx, func() { s.restore(saved, previous) })
	return nil
}

// restore puts previous back in place of b, or drops b when it was new.
func (s *InMemory) restore(b, previous *models.MonthlyBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous != nil {
		s.byID[previous.ID] = previous
		return
	}
	delete(s.byID, b.ID)
	delete(s.byPeriod, keyOf(b))
}

func (s *InMemory) FindByID(_ context.Context, tenantID domain.TenantID, id domain.BalanceID) (*models.MonthlyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[id]
	if !ok || b.TenantID != tenantID {
		return nil, sentinel.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *InMemory) FindByPeriod(_ context.Context, tenantID domain.TenantID, medicationID string, period domain.Period) (*models.MonthlyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPeriod[periodKey{tenant: tenantID, medicationID: medicationID, period: period}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// Execute runs validate then mutate on the stored balance under the store lock.
// A validate error aborts without writing.
func (s *InMemory) Execute(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID, validate func(*models.MonthlyBalance) error, mutate func(*models.MonthlyBalance)) (*models.MonthlyBalance, error) {
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
	tx.OnRollback(ctx, func() { s.restore(working, stored) })
	return working, nil
}

func (s *InMemory) ListByPeriod(_ context.Context, tenantID domain.TenantID, period domain.Period) ([]*models.MonthlyBalance, error) {
	return s.list(func(b *models.MonthlyBalance) bool {
		return b.TenantID == tenantID && b.Period == period
	}), nil
}

func (s *InMemory) ListByStatus(_ context.Context, tenantID domain.TenantID, status models.Status) ([]*models.MonthlyBalance, error) {
	return s.list(func(b *models.MonthlyBalance) bool {
		return b.TenantID == tenantID && b.Status == status
	}), nil
}

func (s *InMemory) ListAll(_ context.Context, tenantID domain.TenantID) ([]*models.MonthlyBalance, error) {
	return s.list(func(b *models.MonthlyBalance) bool {
		return b.TenantID == tenantID
	}), nil
}

// ClosedAtOrAfter implements the ledger's period guard.
func (s *InMemory) ClosedAtOrAfter(_ context.Context, tenantID domain.TenantID, medicationID string, period domain.Period) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, id := range s.byPeriod {
		if key.tenant != tenantID || key.medicationID != medicationID || key.period.Before(period) {
			continue
		}
		if s.byID[id].IsClosed() {
			return true, nil
		}
	}
	return false, nil
}

// list returns matches ordered by period, then medication.
func (s *InMemory) list(keep func(*models.MonthlyBalance) bool) []*models.MonthlyBalance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MonthlyBalance
	for _, b := range s.byID {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period.Before(out[j].Period)
		}
		return out[i].Medication.ID < out[j].Medication.ID
	})
	return out
}
