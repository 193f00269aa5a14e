// Package store persists ledger entries. Both implementations are append-only.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"rxledger/internal/ledger/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

type InMemory struct {
	mu       sync.RWMutex
	entries  map[domain.TenantID][]*models.LedgerEntry
	sequence int64
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[domain.TenantID][]*models.LedgerEntry)}
}

// Append stores a copy of entry and assigns its Sequence.
func (s *InMemory) Append(ctx context.Context, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Origin == models.OriginAdjustment {
		for _, e := range s.entries[entry.TenantID] {
			if e.Origin == models.OriginAdjustment && e.OriginRef == entry.OriginRef {
				return sentinel.ErrConflict
			}
		}
	}
	s.sequence++
	entry.Sequence = s.sequence
	cp := *entry
	s.entries[entry.TenantID] = append(s.entries[entry.TenantID], &cp)
	tx.OnRollback(ctx, func() { s.remove(cp.TenantID, cp.ID) })
	return nil
}

func (s *InMemory) remove(tenantID domain.TenantID, id domain.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[tenantID]
	for i, e := range entries {
		if e.ID == id {
			s.entries[tenantID] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (s *InMemory) FindByID(_ context.Context, tenantID domain.TenantID, id domain.EntryID) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries[tenantID] {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) Query(_ context.Context, tenantID domain.TenantID, medicationID string, from, to time.Time) ([]*models.LedgerEntry, error) {
	return s.collect(tenantID, from, to, func(e *models.LedgerEntry) bool {
		return e.Medication.ID == medicationID
	}), nil
}

func (s *InMemory) QueryAll(_ context.Context, tenantID domain.TenantID, from, to time.Time) ([]*models.LedgerEntry, error) {
	return s.collect(tenantID, from, to, nil), nil
}

func (s *InMemory) collect(tenantID domain.TenantID, from, to time.Time, keep func(*models.LedgerEntry) bool) []*models.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LedgerEntry
	for _, e := range s.entries[tenantID] {
		if e.TransactionAt.Before(from) || !e.TransactionAt.Before(to) {
			continue
		}
		if keep != nil && !keep(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	return out
}

// Medications lists distinct medications with activity before until, ordered by ID.
// The name of the most recently appended entry wins.
func (s *InMemory) Medications(_ context.Context, tenantID domain.TenantID, until time.Time) ([]domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]domain.Medication)
	for _, e := range s.entries[tenantID] {
		if e.TransactionAt.Before(until) {
			byID[e.Medication.ID] = e.Medication
		}
	}
	out := make([]domain.Medication, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FirstActivity returns the earliest transaction timestamp of the tenant.
func (s *InMemory) FirstActivity(_ context.Context, tenantID domain.TenantID) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first time.Time
	for _, e := range s.entries[tenantID] {
		if first.IsZero() || e.TransactionAt.Before(first) {
			first = e.TransactionAt
		}
	}
	return first, !first.IsZero(), nil
}
