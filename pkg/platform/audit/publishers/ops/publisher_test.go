package ops

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "rxledger/pkg/domain"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/audit/store/memory"
	"rxledger/pkg/platform/circuit"
)

type countingFailStore struct {
	calls atomic.Int32
}

func (s *countingFailStore) Append(context.Context, audit.Event) error {
	s.calls.Add(1)
	return errors.New("unavailable")
}

func (s *countingFailStore) ListByTenant(context.Context, id.TenantID) ([]audit.Event, error) {
	return nil, nil
}

func opsEvent(tenant id.TenantID) audit.OpsEvent {
	return audit.OpsEvent{TenantID: tenant, Subject: "period:2026-01", Action: audit.EventBalancesCalculated}
}

func TestTrackSync(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := New(store)
	defer pub.Close()
	tenant := id.NewTenantID()

	pub.Track(context.Background(), opsEvent(tenant))

	events, err := store.ListByTenant(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
	assert.Equal(t, "system", events[0].ActorID)
}

func TestTrackAsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := New(store, WithAsyncBuffer(100))
	tenant := id.NewTenantID()

	for range 10 {
		pub.Track(context.Background(), opsEvent(tenant))
	}
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	events, err := store.ListByTenant(context.Background(), tenant)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestTrackHonoursSampling(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := New(store, WithSampler(NewSampler(1, map[audit.AuditEvent]float64{
		audit.EventBalancesCalculated: 0,
	})))
	tenant := id.NewTenantID()

	pub.Track(context.Background(), opsEvent(tenant))

	events, err := store.ListByTenant(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTrackStopsCallingStoreWhenBreakerOpens(t *testing.T) {
	store := &countingFailStore{}
	pub := New(store, WithBreaker(circuit.New("test", circuit.WithFailureThreshold(2))))
	tenant := id.NewTenantID()

	for range 5 {
		pub.Track(context.Background(), opsEvent(tenant))
	}
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestSampler(t *testing.T) {
	t.Run("listed actions use their own rate", func(t *testing.T) {
		s := NewSampler(1, map[audit.AuditEvent]float64{audit.EventComplianceScanCompleted: 0})
		assert.False(t, s.Keep(audit.EventComplianceScanCompleted))
		assert.True(t, s.Keep(audit.EventBalancesCalculated))
	})

	t.Run("fractional rates compare against the roll", func(t *testing.T) {
		s := NewSampler(0.25, nil)
		s.roll = func() float64 { return 0.2 }
		assert.True(t, s.Keep(audit.EventStaleTransmissionsExpired))
		s.roll = func() float64 { return 0.3 }
		assert.False(t, s.Keep(audit.EventStaleTransmissionsExpired))
	})

	t.Run("rates are clamped", func(t *testing.T) {
		s := NewSampler(7, nil)
		s.roll = func() float64 { return 0.99 }
		assert.True(t, s.Keep(audit.EventBalancesCalculated))
		s.SetRate(audit.EventBalancesCalculated, -1)
		assert.False(t, s.Keep(audit.EventBalancesCalculated))
	})
}
