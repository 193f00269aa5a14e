package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dErrors "rxledger/pkg/domain-errors"
)

// Prescriber identifies the licensed professional who signed the prescription.
type Prescriber struct {
	Name    string `json:"name"`
	License string `json:"license"`
	Region  string `json:"region,omitempty"`
}

// Patient identifies who received the medication.
type Patient struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

// DispensationEvent is a prescription item handed over to a patient, as supplied by
// the prescription module. It is the unit of a regulatory report and the source of
// dispensation ledger entries.
type DispensationEvent struct {
	ID                 string          `json:"id"`
	PrescriptionItemID string          `json:"prescription_item_id"`
	Medication         Medication      `json:"medication"`
	Quantity           decimal.Decimal `json:"quantity"`
	Unit               string          `json:"unit"`
	Prescriber         Prescriber      `json:"prescriber"`
	Patient            Patient         `json:"patient"`
	DispensedAt        time.Time       `json:"dispensed_at"`
}

// Validate checks the fields every consumer relies on.
func (e DispensationEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return dErrors.New(dErrors.CodeValidation, "dispensation id is required")
	case strings.TrimSpace(e.PrescriptionItemID) == "":
		return dErrors.New(dErrors.CodeValidation, "prescription item id is required")
	case strings.TrimSpace(e.Medication.ID) == "" || strings.TrimSpace(e.Medication.Name) == "":
		return dErrors.New(dErrors.CodeValidation, "medication id and name are required")
	case !e.Quantity.IsPositive():
		return dErrors.New(dErrors.CodeValidation, "dispensed quantity must be positive")
	case e.DispensedAt.IsZero():
		return dErrors.New(dErrors.CodeValidation, "dispensed_at is required")
	}
	return nil
}
