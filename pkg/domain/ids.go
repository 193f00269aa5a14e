// Package domain holds the value types shared by every ledger module: typed identifiers,
// reporting periods and medication references.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "rxledger/pkg/domain-errors"
)

// Typed identifiers prevent passing a report ID where a balance ID is expected.
type (
	TenantID       uuid.UUID
	EntryID        uuid.UUID
	BalanceID      uuid.UUID
	ReportID       uuid.UUID
	TransmissionID uuid.UUID
)

func (id TenantID) String() string       { return uuid.UUID(id).String() }
func (id EntryID) String() string        { return uuid.UUID(id).String() }
func (id BalanceID) String() string      { return uuid.UUID(id).String() }
func (id ReportID) String() string       { return uuid.UUID(id).String() }
func (id TransmissionID) String() string { return uuid.UUID(id).String() }

func (id TenantID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id EntryID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id BalanceID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id ReportID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id TransmissionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id TenantID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id EntryID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id BalanceID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id ReportID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id TransmissionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func NewTenantID() TenantID             { return TenantID(uuid.New()) }
func NewEntryID() EntryID               { return EntryID(uuid.New()) }
func NewBalanceID() BalanceID           { return BalanceID(uuid.New()) }
func NewReportID() ReportID             { return ReportID(uuid.New()) }
func NewTransmissionID() TransmissionID { return TransmissionID(uuid.New()) }

// ParseTenantID parses a tenant identifier received at a trust boundary.
func ParseTenantID(s string) (TenantID, error) {
	u, err := parseUUID(s, "tenant_id")
	return TenantID(u), err
}

func ParseEntryID(s string) (EntryID, error) {
	u, err := parseUUID(s, "entry_id")
	return EntryID(u), err
}

func ParseBalanceID(s string) (BalanceID, error) {
	u, err := parseUUID(s, "balance_id")
	return BalanceID(u), err
}

func ParseReportID(s string) (ReportID, error) {
	u, err := parseUUID(s, "report_id")
	return ReportID(u), err
}

func ParseTransmissionID(s string) (TransmissionID, error) {
	u, err := parseUUID(s, "transmission_id")
	return TransmissionID(u), err
}

// parseUUID rejects empty, malformed and nil UUIDs with a validation error.
func parseUUID(s, field string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s is required", field)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "invalid %s", field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s cannot be nil", field)
	}
	return u, nil
}
