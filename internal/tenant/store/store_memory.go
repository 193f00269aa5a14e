// Package store persists clinic tenants. Names are unique case-insensitively.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"rxledger/internal/tenant/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

type InMemory struct {
	mu     sync.RWMutex
	byID   map[domain.TenantID]*models.Tenant
	byName map[string]domain.TenantID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[domain.TenantID]*models.Tenant),
		byName: make(map[string]domain.TenantID),
	}
}

// CreateIfNameAvailable returns sentinel.ErrConflict when the name is taken.
func (s *InMemory) CreateIfNameAvailable(ctx context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(t.Name)
	if _, taken := s.byName[key]; taken {
		return sentinel.ErrConflict
	}
	s.byID[t.ID] = t.Clone()
	s.byName[key] = t.ID
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byID, t.ID)
		delete(s.byName, key)
	})
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id domain.TenantID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *InMemory) FindByName(_ context.Context, name string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// Execute validates and mutates a tenant under the store mutex.
func (s *InMemory) Execute(ctx context.Context, id domain.TenantID, validate func(*models.Tenant) error, mutate func(*models.Tenant)) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := t.Clone()
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)
	s.byID[id] = working
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byID[id] = t
	})
	return working.Clone(), nil
}

// ListActive returns active tenants ordered by name.
func (s *InMemory) ListActive(_ context.Context) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Tenant, 0, len(s.byID))
	for _, t := range s.byID {
		if t.IsActive() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}
