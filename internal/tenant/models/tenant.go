package models

import (
	"strings"
	"time"

	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusInactive
}

// CanTransitionTo allows active <-> inactive only.
func (s Status) CanTransitionTo(next Status) bool {
	return s.IsValid() && next.IsValid() && s != next
}

// Tenant is a clinic operating its own controlled-substance ledger.
//
// Invariants:
//   - Name is non-empty, at most 128 characters and unique case-insensitively
//   - Status is active or inactive; transitions flip between the two
//   - CreatedAt is immutable after construction
//
// Deactivating a tenant keeps its ledger and reports intact; it only removes
// the tenant from scheduled compliance scans.
type Tenant struct {
	ID        domain.TenantID `json:"id"`
	Name      string          `json:"name"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewTenant(id domain.TenantID, name string, now time.Time) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name cannot be empty")
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name must be 128 characters or less")
	}
	return &Tenant{
		ID:        id,
		Name:      name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

func (t *Tenant) CanDeactivate() error {
	if !t.Status.CanTransitionTo(StatusInactive) {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant is already inactive")
	}
	return nil
}

// ApplyDeactivation must only follow a nil CanDeactivate.
func (t *Tenant) ApplyDeactivation(now time.Time) {
	t.Status = StatusInactive
	t.UpdatedAt = now
}

func (t *Tenant) CanReactivate() error {
	if !t.Status.CanTransitionTo(StatusActive) {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant is already active")
	}
	return nil
}

// ApplyReactivation must only follow a nil CanReactivate.
func (t *Tenant) ApplyReactivation(now time.Time) {
	t.Status = StatusActive
	t.UpdatedAt = now
}

func (t *Tenant) Clone() *Tenant {
	c := *t
	return &c
}
