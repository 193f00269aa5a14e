package models

import (
	"time"

	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// CanTransitionTo: pending -> succeeded | failed. Both outcomes are final for the attempt.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && (next == StatusSucceeded || next == StatusFailed)
}

func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusSucceeded || s == StatusFailed
}

// Transmission is one attempt to deliver a report.
//
// Invariants:
//   - Attempt is 1-based per report and unique per report
//   - at most one succeeded transmission exists per report
//   - FinishedAt is set iff Status is not pending
type Transmission struct {
	ID           domain.TransmissionID `json:"id"`
	TenantID     domain.TenantID       `json:"tenant_id"`
	ReportID     domain.ReportID       `json:"report_id"`
	Attempt      int                   `json:"attempt"`
	Status       Status                `json:"status"`
	ProtocolCode string                `json:"protocol_code,omitempty"`
	ErrorDetail  string                `json:"error_detail,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   *time.Time            `json:"finished_at,omitempty"`
}

func NewTransmission(tenantID domain.TenantID, reportID domain.ReportID, attempt int, now time.Time) *Transmission {
	return &Transmission{
		ID:        domain.NewTransmissionID(),
		TenantID:  tenantID,
		ReportID:  reportID,
		Attempt:   attempt,
		Status:    StatusPending,
		StartedAt: now,
	}
}

// CanFinish guards the pending -> outcome transition.
func (t *Transmission) CanFinish() error {
	if t.Status != StatusPending {
		return dErrors.Newf(dErrors.CodeInvalidState, "transmission %s is already %s", t.ID, t.Status)
	}
	return nil
}

func (t *Transmission) ApplySucceeded(protocolCode string, now time.Time) {
	t.Status = StatusSucceeded
	t.ProtocolCode = protocolCode
	t.finish(now)
}

func (t *Transmission) ApplyFailed(detail string, now time.Time) {
	t.Status = StatusFailed
	t.ErrorDetail = detail
	t.finish(now)
}

func (t *Transmission) finish(now time.Time) {
	finishedAt := now
	t.FinishedAt = &finishedAt
}

// CanRetry only failed attempts may be retried.
func (t *Transmission) CanRetry() error {
	if t.Status != StatusFailed {
		return dErrors.Newf(dErrors.CodeInvalidState, "transmission %s is %s, only failed attempts can be retried", t.ID, t.Status)
	}
	return nil
}

// IsStale reports a pending attempt started before cutoff.
func (t *Transmission) IsStale(cutoff time.Time) bool {
	return t.Status == StatusPending && t.StartedAt.Before(cutoff)
}

func (t *Transmission) Clone() *Transmission {
	cp := *t
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}

// Statistics summarizes the attempts started inside a time window.
type Statistics struct {
	Attempts           int     `json:"attempts"`
	Succeeded          int     `json:"succeeded"`
	Failed             int     `json:"failed"`
	Pending            int     `json:"pending"`
	ReportsTransmitted int     `json:"reports_transmitted"`
	SuccessRate        float64 `json:"success_rate"`
	AvgAttemptsToOK    float64 `json:"avg_attempts_to_success"`
}

// Summarize computes Statistics. SuccessRate is succeeded over finished attempts;
// AvgAttemptsToOK is the mean attempt number of the successful attempts.
func Summarize(ts []*Transmission) Statistics {
	var st Statistics
	reports := make(map[domain.ReportID]bool)
	attemptSum := 0
	for _, t := range ts {
		st.Attempts++
		switch t.Status {
		case StatusSucceeded:
			st.Succeeded++
			attemptSum += t.Attempt
			reports[t.ReportID] = true
		case StatusFailed:
			st.Failed++
		case StatusPending:
			st.Pending++
		}
	}
	st.ReportsTransmitted = len(reports)
	if finished := st.Succeeded + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(finished)
	}
	if st.Succeeded > 0 {
		st.AvgAttemptsToOK = float64(attemptSum) / float64(st.Succeeded)
	}
	return st
}
