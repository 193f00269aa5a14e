package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

// Direction of a movement relative to the clinic's controlled-substance stock.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

func (d Direction) IsValid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Opposite is the direction of the compensating entry.
func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// Origin records what produced an entry.
type Origin string

const (
	OriginManualStockEntry Origin = "manual_stock_entry"
	OriginDispensation     Origin = "dispensation"
	OriginAdjustment       Origin = "adjustment"
)

func (o Origin) IsValid() bool {
	switch o {
	case OriginManualStockEntry, OriginDispensation, OriginAdjustment:
		return true
	}
	return false
}

// LedgerEntry is one controlled-substance movement.
//
// Invariants:
//   - Immutable once appended; there is no update or delete anywhere
//   - Quantity > 0; Direction and Quantity fully determine the ledger effect
//   - Dispensation and adjustment entries carry an OriginRef
//   - Sequence is assigned by the store and orders entries sharing a TransactionAt
type LedgerEntry struct {
	ID            domain.EntryID    `json:"id"`
	TenantID      domain.TenantID   `json:"tenant_id"`
	Medication    domain.Medication `json:"medication"`
	Direction     Direction         `json:"direction"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Unit          string            `json:"unit"`
	TransactionAt time.Time         `json:"transaction_at"`
	Origin        Origin            `json:"origin"`
	OriginRef     string            `json:"origin_ref,omitempty"`
	Note          string            `json:"note,omitempty"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	Sequence      int64             `json:"sequence"`
}

// Effect is the signed contribution of the entry to the running balance.
func (e *LedgerEntry) Effect() decimal.Decimal {
	if e.Direction == DirectionOut {
		return e.Quantity.Neg()
	}
	return e.Quantity
}

// Period is the reporting period the entry belongs to.
func (e *LedgerEntry) Period() domain.Period {
	return domain.PeriodOf(e.TransactionAt)
}

// RecordEntryRequest is the input of a single ledger append.
type RecordEntryRequest struct {
	Medication    domain.Medication `json:"medication"`
	Direction     Direction         `json:"direction"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Unit          string            `json:"unit"`
	TransactionAt time.Time         `json:"transaction_at"`
	Origin        Origin            `json:"origin"`
	OriginRef     string            `json:"origin_ref"`
	Note          string            `json:"note"`
}

func (r *RecordEntryRequest) Normalize() {
	r.Medication = r.Medication.Normalize()
	r.Unit = strings.TrimSpace(r.Unit)
	r.OriginRef = strings.TrimSpace(r.OriginRef)
	r.Note = strings.TrimSpace(r.Note)
	r.TransactionAt = r.TransactionAt.UTC()
}

// Validate reports the first malformed field as a validation error.
func (r *RecordEntryRequest) Validate() error {
	switch {
	case r.Medication.ID == "":
		return dErrors.New(dErrors.CodeValidation, "medication id is required")
	case r.Medication.Name == "":
		return dErrors.New(dErrors.CodeValidation, "medication name is required")
	case !r.Direction.IsValid():
		return dErrors.Newf(dErrors.CodeValidation, "unknown direction %q", r.Direction)
	case !r.Quantity.IsPositive():
		return dErrors.New(dErrors.CodeValidation, "quantity must be greater than zero")
	case r.Unit == "":
		return dErrors.New(dErrors.CodeValidation, "unit is required")
	case r.TransactionAt.IsZero():
		return dErrors.New(dErrors.CodeValidation, "transaction timestamp is required")
	case !r.Origin.IsValid():
		return dErrors.Newf(dErrors.CodeValidation, "unknown origin %q", r.Origin)
	case r.Origin != OriginManualStockEntry && r.OriginRef == "":
		return dErrors.Newf(dErrors.CodeValidation, "%s entries require an origin reference", r.Origin)
	}
	return nil
}

// NewLedgerEntry builds an entry from a validated request.
func NewLedgerEntry(tenantID domain.TenantID, req RecordEntryRequest, operator string, now time.Time) (*LedgerEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(operator) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "operator is required")
	}
	return &LedgerEntry{
		ID:            domain.NewEntryID(),
		TenantID:      tenantID,
		Medication:    req.Medication,
		Direction:     req.Direction,
		Quantity:      req.Quantity,
		Unit:          req.Unit,
		TransactionAt: req.TransactionAt,
		Origin:        req.Origin,
		OriginRef:     req.OriginRef,
		Note:          req.Note,
		CreatedBy:     operator,
		CreatedAt:     now,
	}, nil
}

// CanBeAdjusted reports whether a compensating entry may be recorded for e.
// Adjustments themselves are not adjusted; record a new movement instead.
func (e *LedgerEntry) CanBeAdjusted() error {
	if e.Origin == OriginAdjustment {
		return dErrors.New(dErrors.CodeInvariantViolation, "adjustment entries cannot be adjusted")
	}
	return nil
}

// CompensationRequest builds the request reversing e at the given time.
func (e *LedgerEntry) CompensationRequest(reason string, at time.Time) RecordEntryRequest {
	return RecordEntryRequest{
		Medication:    e.Medication,
		Direction:     e.Direction.Opposite(),
		Quantity:      e.Quantity,
		Unit:          e.Unit,
		TransactionAt: at,
		Origin:        OriginAdjustment,
		OriginRef:     e.ID.String(),
		Note:          reason,
	}
}

// DispensationRequest maps a dispensation event to an outbound entry.
func DispensationRequest(ev domain.DispensationEvent) RecordEntryRequest {
	return RecordEntryRequest{
		Medication:    ev.Medication,
		Direction:     DirectionOut,
		Quantity:      ev.Quantity,
		Unit:          ev.Unit,
		TransactionAt: ev.DispensedAt,
		Origin:        OriginDispensation,
		OriginRef:     ev.PrescriptionItemID,
		Note:          "dispensation " + ev.ID,
	}
}

// Totals sums inbound and outbound quantities.
type Totals struct {
	In  decimal.Decimal
	Out decimal.Decimal
}

func (t Totals) Net() decimal.Decimal {
	return t.In.Sub(t.Out)
}

// Sum totals entries. The result is independent of entry order.
func Sum(entries []*LedgerEntry) Totals {
	t := Totals{In: decimal.Zero, Out: decimal.Zero}
	for _, e := range entries {
		if e.Direction == DirectionIn {
			t.In = t.In.Add(e.Quantity)
		} else {
			t.Out = t.Out.Add(e.Quantity)
		}
	}
	return t
}

// Less orders entries by transaction time, then creation sequence.
func Less(a, b *LedgerEntry) bool {
	if !a.TransactionAt.Equal(b.TransactionAt) {
		return a.TransactionAt.Before(b.TransactionAt)
	}
	return a.Sequence < b.Sequence
}
