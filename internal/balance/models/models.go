package models

import (
	"time"

	"github.com/shopspring/decimal"

	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

// Status of a monthly balance.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// CanTransitionTo is the total transition table: open -> closed only.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusOpen && next == StatusClosed
}

func (s Status) IsValid() bool {
	return s == StatusOpen || s == StatusClosed
}

// MonthlyBalance is the reconciled snapshot of one (tenant, medication, period).
//
// Invariants:
//   - ClosingBalance == OpeningBalance + TotalIn - TotalOut
//   - Discrepancy == PhysicalCount - ClosingBalance whenever PhysicalCount is set;
//     both are null until a physical count is recorded
//   - Status moves open -> closed exactly once; a closed balance is never
//     recalculated, recounted or re-closed
//   - ClosedAt and ClosedBy are set iff Status is closed
type MonthlyBalance struct {
	ID                domain.BalanceID    `json:"id"`
	TenantID          domain.TenantID     `json:"tenant_id"`
	Medication        domain.Medication   `json:"medication"`
	Period            domain.Period       `json:"period"`
	OpeningBalance    decimal.Decimal     `json:"opening_balance"`
	TotalIn           decimal.Decimal     `json:"total_in"`
	TotalOut          decimal.Decimal     `json:"total_out"`
	ClosingBalance    decimal.Decimal     `json:"closing_balance"`
	PhysicalCount     decimal.NullDecimal `json:"physical_count"`
	Discrepancy       decimal.NullDecimal `json:"discrepancy"`
	DiscrepancyReason string              `json:"discrepancy_reason,omitempty"`
	Status            Status              `json:"status"`
	CalculatedAt      time.Time           `json:"calculated_at"`
	ClosedAt          *time.Time          `json:"closed_at,omitempty"`
	ClosedBy          string              `json:"closed_by,omitempty"`
}

// Calculation is the ledger-derived part of a balance.
type Calculation struct {
	Opening decimal.Decimal
	In      decimal.Decimal
	Out     decimal.Decimal
}

func (c Calculation) Closing() decimal.Decimal {
	return c.Opening.Add(c.In).Sub(c.Out)
}

// NewMonthlyBalance builds an open balance from a calculation.
func NewMonthlyBalance(tenantID domain.TenantID, med domain.Medication, period domain.Period, calc Calculation, now time.Time) *MonthlyBalance {
	b := &MonthlyBalance{
		ID:         domain.NewBalanceID(),
		TenantID:   tenantID,
		Medication: med,
		Period:     period,
		Status:     StatusOpen,
	}
	b.ApplyCalculation(calc, now)
	return b
}

func (b *MonthlyBalance) IsClosed() bool {
	return b.Status == StatusClosed
}

// CanRecalculate rejects recomputation of a closed balance.
func (b *MonthlyBalance) CanRecalculate() error {
	if b.IsClosed() {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "balance for %s %s is closed", b.Medication.ID, b.Period)
	}
	return nil
}

// ApplyCalculation overwrites the ledger-derived figures and refreshes the
// discrepancy against an already recorded physical count.
// Call CanRecalculate first.
func (b *MonthlyBalance) ApplyCalculation(calc Calculation, now time.Time) {
	b.OpeningBalance = calc.Opening
	b.TotalIn = calc.In
	b.TotalOut = calc.Out
	b.ClosingBalance = calc.Closing()
	b.CalculatedAt = now
	if b.PhysicalCount.Valid {
		b.Discrepancy = decimal.NewNullDecimal(b.PhysicalCount.Decimal.Sub(b.ClosingBalance))
	}
}

// CanRecordPhysicalCount validates a count against the balance state.
func (b *MonthlyBalance) CanRecordPhysicalCount(count decimal.Decimal, reason string) error {
	if b.IsClosed() {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "balance for %s %s is closed", b.Medication.ID, b.Period)
	}
	return ValidatePhysicalCount(count, reason)
}

// ValidatePhysicalCount checks the caller-supplied fields.
func ValidatePhysicalCount(count decimal.Decimal, reason string) error {
	if count.IsNegative() {
		return dErrors.New(dErrors.CodeValidation, "physical count cannot be negative")
	}
	if reason == "" {
		return dErrors.New(dErrors.CodeValidation, "a reason is required when recording a physical count")
	}
	return nil
}

// ApplyPhysicalCount records the count and derives the discrepancy.
// Call CanRecordPhysicalCount first.
func (b *MonthlyBalance) ApplyPhysicalCount(count decimal.Decimal, reason string) {
	b.PhysicalCount = decimal.NewNullDecimal(count)
	b.Discrepancy = decimal.NewNullDecimal(count.Sub(b.ClosingBalance))
	b.DiscrepancyReason = reason
}

// CanClose checks the open -> closed transition.
func (b *MonthlyBalance) CanClose() error {
	if !b.Status.CanTransitionTo(StatusClosed) {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "balance for %s %s is already closed", b.Medication.ID, b.Period)
	}
	return nil
}

// ApplyClose stamps the closing operator and time.
// Call CanClose first.
func (b *MonthlyBalance) ApplyClose(operator string, now time.Time) {
	b.Status = StatusClosed
	closedAt := now
	b.ClosedAt = &closedAt
	b.ClosedBy = operator
}

// HasDiscrepancy reports a recorded, non-zero discrepancy.
func (b *MonthlyBalance) HasDiscrepancy() bool {
	return b.Discrepancy.Valid && !b.Discrepancy.Decimal.IsZero()
}

// ClosingDeadline is the instant after which an open balance is overdue.
func (b *MonthlyBalance) ClosingDeadline(graceDays int) time.Time {
	return b.Period.End().AddDate(0, 0, graceDays)
}

// IsOverdue reports an open balance past its closing deadline.
func (b *MonthlyBalance) IsOverdue(now time.Time, graceDays int) bool {
	return !b.IsClosed() && !now.Before(b.ClosingDeadline(graceDays))
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (b *MonthlyBalance) Clone() *MonthlyBalance {
	cp := *b
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
