// Package source adapts the prescription module's dispensation feed. The report
// service pulls unreported events for a period and marks them reported once a
// report is compiled.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"rxledger/pkg/domain"
	"rxledger/pkg/platform/tx"
)

type stored struct {
	event      domain.DispensationEvent
	reportedIn domain.ReportID
}

// InMemory is a dispensation feed for tests and single-process deployments.
type InMemory struct {
	mu     sync.RWMutex
	events map[domain.TenantID]map[string]*stored
}

func NewInMemory() *InMemory {
	return &InMemory{events: make(map[domain.TenantID]map[string]*stored)}
}

// Add registers dispensations. Re-adding an ID replaces the event but keeps its reported mark.
func (s *InMemory) Add(tenantID domain.TenantID, events ...domain.DispensationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.events[tenantID]
	if !ok {
		byID = make(map[string]*stored)
		s.events[tenantID] = byID
	}
	for _, ev := range events {
		if existing, ok := byID[ev.ID]; ok {
			existing.event = ev
			continue
		}
		byID[ev.ID] = &stored{event: ev}
	}
}

func (s *InMemory) ListUnreportedDispensations(_ context.Context, tenantID domain.TenantID, start, end time.Time) ([]domain.DispensationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DispensationEvent
	for _, st := range s.events[tenantID] {
		at := st.event.DispensedAt
		if !st.reportedIn.IsNil() || at.Before(start) || !at.Before(end) {
			continue
		}
		out = append(out, st.event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkReported attaches eventIDs to reportID. Unknown IDs are ignored.
func (s *InMemory) MarkReported(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := make(map[*stored]domain.ReportID, len(eventIDs))
	for _, id := range eventIDs {
		if st, ok := s.events[tenantID][id]; ok {
			previous[st] = st.reportedIn
			st.reportedIn = reportID
		}
	}
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for st, was := range previous {
			st.reportedIn = was
		}
	})
	return nil
}

// ReportedIn returns the report an event was marked with, if any.
func (s *InMemory) ReportedIn(tenantID domain.TenantID, eventID string) (domain.ReportID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.events[tenantID][eventID]
	if !ok || st.reportedIn.IsNil() {
		return domain.ReportID{}, false
	}
	return st.reportedIn, true
}
