package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	id "rxledger/pkg/domain"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/tx"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.TenantID][]audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.TenantID][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[id.TenantID][]audit.Event)
}

// Append records event. Inside a failed unit of work the event is withdrawn,
// matching the outbox row rolling back with its transaction.
func (s *InMemoryStore) Append(ctx context.Context, event audit.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.TenantID] = append(s.events[event.TenantID], event)
	tx.OnRollback(ctx, func() { s.withdraw(event.TenantID, event.ID) })
	return nil
}

func (s *InMemoryStore) withdraw(tenantID id.TenantID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[tenantID]
	for i, e := range events {
		if e.ID == eventID {
			s.events[tenantID] = append(events[:i:i], events[i+1:]...)
			return
		}
	}
}

// ListByTenant returns the tenant's events in append order.
func (s *InMemoryStore) ListByTenant(_ context.Context, tenantID id.TenantID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[tenantID]...), nil
}

// ListByAction filters a tenant's events by action.
func (s *InMemoryStore) ListByAction(_ context.Context, tenantID id.TenantID, action audit.AuditEvent) []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events[tenantID] {
		if e.Action == string(action) {
			out = append(out, e)
		}
	}
	return out
}
