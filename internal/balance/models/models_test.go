package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

var (
	jan2026 = domain.Period{Year: 2026, Month: time.January}
	now     = time.Date(2026, time.February, 3, 10, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openBalance() *MonthlyBalance {
	return NewMonthlyBalance(domain.NewTenantID(), domain.Medication{ID: "M", Name: "Med"}, jan2026,
		Calculation{Opening: decimal.Zero, In: d("100"), Out: d("50")}, now)
}

func TestCalculation(t *testing.T) {
	b := openBalance()
	assert.True(t, b.ClosingBalance.Equal(d("50")))
	assert.False(t, b.Discrepancy.Valid, "discrepancy is null until counted")
	assert.Equal(t, StatusOpen, b.Status)
}

func TestPhysicalCount(t *testing.T) {
	b := openBalance()
	require.NoError(t, b.CanRecordPhysicalCount(d("48"), "breakage"))
	b.ApplyPhysicalCount(d("48"), "breakage")
	assert.True(t, b.Discrepancy.Decimal.Equal(d("-2")))
	assert.True(t, b.HasDiscrepancy())

	t.Run("recalculation refreshes discrepancy", func(t *testing.T) {
		b.ApplyCalculation(Calculation{Opening: decimal.Zero, In: d("100"), Out: d("52")}, now)
		assert.True(t, b.Discrepancy.Decimal.IsZero())
		assert.False(t, b.HasDiscrepancy())
	})

	t.Run("rejects negative count and empty reason", func(t *testing.T) {
		assert.True(t, dErrors.HasCode(b.CanRecordPhysicalCount(d("-1"), "x"), dErrors.CodeValidation))
		assert.True(t, dErrors.HasCode(b.CanRecordPhysicalCount(d("1"), ""), dErrors.CodeValidation))
	})
}

func TestClose(t *testing.T) {
	b := openBalance()
	require.NoError(t, b.CanClose())
	b.ApplyClose("pharmacist", now)

	assert.True(t, b.IsClosed())
	assert.Equal(t, "pharmacist", b.ClosedBy)
	require.NotNil(t, b.ClosedAt)

	assert.Error(t, b.CanClose())
	assert.Error(t, b.CanRecalculate())
	assert.Error(t, b.CanRecordPhysicalCount(d("1"), "x"))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusOpen.CanTransitionTo(StatusClosed))
	assert.False(t, StatusClosed.CanTransitionTo(StatusOpen))
	assert.False(t, StatusClosed.CanTransitionTo(StatusClosed))
	assert.False(t, StatusOpen.CanTransitionTo(StatusOpen))
}

func TestOverdue(t *testing.T) {
	b := openBalance()
	assert.Equal(t, time.Date(2026, time.February, 6, 0, 0, 0, 0, time.UTC), b.ClosingDeadline(5))
	assert.False(t, b.IsOverdue(time.Date(2026, time.February, 5, 23, 0, 0, 0, time.UTC), 5))
	assert.True(t, b.IsOverdue(time.Date(2026, time.February, 6, 0, 0, 0, 0, time.UTC), 5))

	b.ApplyClose("x", now)
	assert.False(t, b.IsOverdue(time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC), 5))
}

func TestCloneIsDeep(t *testing.T) {
	b := openBalance()
	b.ApplyClose("x", now)
	cp := b.Clone()
	*cp.ClosedAt = cp.ClosedAt.Add(time.Hour)
	assert.Equal(t, now, *b.ClosedAt)
}
