package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "rxledger/pkg/domain"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/audit/store/memory"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/requestcontext"
)

type failingStore struct{}

func (failingStore) Append(context.Context, audit.Event) error { return errors.New("disk full") }
func (failingStore) ListByTenant(context.Context, id.TenantID) ([]audit.Event, error) {
	return nil, nil
}

func TestEmitPersistsEvent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := New(store)
	tenant := id.NewTenantID()
	ctx := requestcontext.WithRequestID(context.Background(), "req-7")

	err := pub.Emit(ctx, audit.ComplianceEvent{
		TenantID: tenant,
		Subject:  "balance:b-1",
		Action:   audit.EventBalanceClosed,
		ActorID:  "pharmacist@clinic",
	})
	require.NoError(t, err)

	events, err := store.ListByTenant(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "balance_closed", events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.Equal(t, "req-7", events[0].RequestID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEmitRejectsIncompleteEvents(t *testing.T) {
	pub := New(memory.NewInMemoryStore())
	ctx := context.Background()

	cases := map[string]audit.ComplianceEvent{
		"missing tenant":     {Subject: "report:1", Action: audit.EventReportCreated},
		"missing action":     {TenantID: id.NewTenantID(), Subject: "report:1"},
		"missing subject":    {TenantID: id.NewTenantID(), Action: audit.EventReportCreated},
		"operational action": {TenantID: id.NewTenantID(), Subject: "period:2026-01", Action: audit.EventBalancesCalculated},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, pub.Emit(ctx, event), ErrInvalidEvent)
		})
	}
}

func TestEmitStampsWithClock(t *testing.T) {
	store := memory.NewInMemoryStore()
	at := time.Date(2026, time.February, 3, 9, 0, 0, 0, time.UTC)
	pub := New(store, WithClock(clock.NewFake(at)))
	tenant := id.NewTenantID()

	require.NoError(t, pub.Emit(context.Background(), audit.ComplianceEvent{
		TenantID: tenant,
		Subject:  "ledger_entry:e-1",
		Action:   audit.EventLedgerEntryRecorded,
		ActorID:  "pharmacist@clinic",
	}))

	events, err := store.ListByTenant(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, at.Equal(events[0].Timestamp))
}

func TestEmitFailsClosed(t *testing.T) {
	pub := New(failingStore{})
	err := pub.Emit(context.Background(), audit.ComplianceEvent{
		TenantID: id.NewTenantID(),
		Subject:  "report:r-1",
		Action:   audit.EventReportCompiled,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
