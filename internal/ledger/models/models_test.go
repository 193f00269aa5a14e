package models

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rxledger/pkg/domain"
)

func entry(dir Direction, qty string) *LedgerEntry {
	return &LedgerEntry{Direction: dir, Quantity: decimal.RequireFromString(qty)}
}

func TestSumIsOrderIndependent(t *testing.T) {
	entries := []*LedgerEntry{
		entry(DirectionIn, "100"),
		entry(DirectionOut, "30"),
		entry(DirectionOut, "20"),
		entry(DirectionIn, "0.125"),
		entry(DirectionOut, "0.1"),
	}
	want := Sum(entries)
	require.True(t, want.In.Equal(decimal.RequireFromString("100.125")))
	require.True(t, want.Out.Equal(decimal.RequireFromString("50.1")))

	rng := rand.New(rand.NewSource(42))
	for range 50 {
		shuffled := append([]*LedgerEntry(nil), entries...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Sum(shuffled)
		assert.True(t, got.In.Equal(want.In))
		assert.True(t, got.Out.Equal(want.Out))
		assert.True(t, got.Net().Equal(decimal.RequireFromString("50.025")))
	}
}

func TestEffect(t *testing.T) {
	assert.True(t, entry(DirectionIn, "3").Effect().Equal(decimal.NewFromInt(3)))
	assert.True(t, entry(DirectionOut, "3").Effect().Equal(decimal.NewFromInt(-3)))
}

func TestCompensationRequest(t *testing.T) {
	at := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	e := &LedgerEntry{
		ID:         domain.NewEntryID(),
		Medication: domain.Medication{ID: "M", Name: "Med"},
		Direction:  DirectionOut,
		Quantity:   decimal.NewFromInt(4),
		Unit:       "tablet",
		Origin:     OriginDispensation,
		OriginRef:  "rx-1",
	}
	req := e.CompensationRequest("typo", at)
	assert.Equal(t, DirectionIn, req.Direction)
	assert.Equal(t, OriginAdjustment, req.Origin)
	assert.Equal(t, e.ID.String(), req.OriginRef)
	assert.Equal(t, at, req.TransactionAt)
	assert.NoError(t, req.Validate())
}

func TestLess(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &LedgerEntry{TransactionAt: t0, Sequence: 2}
	b := &LedgerEntry{TransactionAt: t0, Sequence: 1}
	c := &LedgerEntry{TransactionAt: t0.Add(-time.Second), Sequence: 9}
	assert.True(t, Less(b, a))
	assert.True(t, Less(c, b))
	assert.False(t, Less(a, a))
}
