package models

import (
	"time"

	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

// Status of a regulatory report.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusCompiled    Status = "compiled"
	StatusPending     Status = "pending"
	StatusTransmitted Status = "transmitted"
	StatusFailed      Status = "failed"
)

var transitions = map[Status][]Status{
	StatusDraft:    {StatusCompiled},
	StatusCompiled: {StatusPending},
	StatusPending:  {StatusTransmitted, StatusFailed},
	StatusFailed:   {StatusPending},
}

// CanTransitionTo is the total transition table. Transmitted is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusCompiled, StatusPending, StatusTransmitted, StatusFailed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusTransmitted
}

// RegulatoryReport is one tenant's compliance submission for a period.
//
// Invariants:
//   - unique per (TenantID, Period)
//   - Events are snapshots taken at creation, ordered by DispensedAt then ID,
//     and never change afterwards
//   - Payload, Checksum and ItemCount are set together on compile
//   - ProtocolCode and TransmittedAt are set iff Status is transmitted
type RegulatoryReport struct {
	ID            domain.ReportID            `json:"id"`
	TenantID      domain.TenantID            `json:"tenant_id"`
	Period        domain.Period              `json:"period"`
	Events        []domain.DispensationEvent `json:"events"`
	Payload       []byte                     `json:"-"`
	Checksum      string                     `json:"checksum,omitempty"`
	ItemCount     int                        `json:"item_count"`
	Status        Status                     `json:"status"`
	ProtocolCode  string                     `json:"protocol_code,omitempty"`
	CreatedBy     string                     `json:"created_by"`
	CreatedAt     time.Time                  `json:"created_at"`
	CompiledAt    *time.Time                 `json:"compiled_at,omitempty"`
	TransmittedAt *time.Time                 `json:"transmitted_at,omitempty"`
}

// NewReport builds a draft. events must already be filtered and ordered.
func NewReport(tenantID domain.TenantID, period domain.Period, events []domain.DispensationEvent, operator string, now time.Time) *RegulatoryReport {
	return &RegulatoryReport{
		ID:        domain.NewReportID(),
		TenantID:  tenantID,
		Period:    period,
		Events:    append([]domain.DispensationEvent(nil), events...),
		Status:    StatusDraft,
		CreatedBy: operator,
		CreatedAt: now,
	}
}

// EventIDs returns the covered dispensation identifiers in report order.
func (r *RegulatoryReport) EventIDs() []string {
	ids := make([]string, len(r.Events))
	for i, ev := range r.Events {
		ids[i] = ev.ID
	}
	return ids
}

// CanCompile requires a draft with at least one event.
func (r *RegulatoryReport) CanCompile() error {
	if !r.Status.CanTransitionTo(StatusCompiled) {
		return dErrors.Newf(dErrors.CodeInvalidState, "report %s is %s, only drafts can be compiled", r.ID, r.Status)
	}
	if len(r.Events) == 0 {
		return dErrors.Newf(dErrors.CodeEmptyReport, "report for %s covers no dispensations", r.Period)
	}
	return nil
}

func (r *RegulatoryReport) ApplyCompiled(payload []byte, checksum string, now time.Time) {
	r.Payload = append([]byte(nil), payload...)
	r.Checksum = checksum
	r.ItemCount = len(r.Events)
	r.Status = StatusCompiled
	compiledAt := now
	r.CompiledAt = &compiledAt
}

// CanSubmit guards the compiled|failed -> pending claim.
func (r *RegulatoryReport) CanSubmit() error {
	if !r.Status.CanTransitionTo(StatusPending) {
		return dErrors.Newf(dErrors.CodeInvalidState, "report %s is %s and cannot be submitted", r.ID, r.Status)
	}
	if len(r.Payload) == 0 {
		return dErrors.Newf(dErrors.CodeInvalidState, "report %s has no payload", r.ID)
	}
	return nil
}

func (r *RegulatoryReport) ApplyPending() {
	r.Status = StatusPending
}

// CanResolve guards pending -> transmitted|failed.
func (r *RegulatoryReport) CanResolve() error {
	if r.Status != StatusPending {
		return dErrors.Newf(dErrors.CodeInvalidState, "report %s is %s, not pending", r.ID, r.Status)
	}
	return nil
}

func (r *RegulatoryReport) ApplyTransmitted(protocolCode string, now time.Time) {
	r.Status = StatusTransmitted
	r.ProtocolCode = protocolCode
	transmittedAt := now
	r.TransmittedAt = &transmittedAt
}

func (r *RegulatoryReport) ApplyFailed() {
	r.Status = StatusFailed
}

// Deadline is the submission deadline: deadlineDay of the month after the period.
func (r *RegulatoryReport) Deadline(deadlineDay int) time.Time {
	return r.Period.DayOfFollowingMonth(deadlineDay)
}

func (r *RegulatoryReport) Clone() *RegulatoryReport {
	cp := *r
	cp.Events = append([]domain.DispensationEvent(nil), r.Events...)
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	if r.CompiledAt != nil {
		t := *r.CompiledAt
		cp.CompiledAt = &t
	}
	if r.TransmittedAt != nil {
		t := *r.TransmittedAt
		cp.TransmittedAt = &t
	}
	return &cp
}
