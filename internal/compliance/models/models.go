// Package models holds compliance alerts. Alerts are derived, read-only output:
// nothing in the write path depends on them.
package models

import (
	"fmt"
	"time"

	"rxledger/pkg/domain"
)

type Kind string

const (
	KindDeadlineApproaching Kind = "deadline_approaching"
	KindOverdue             Kind = "overdue"
	KindAnomaly             Kind = "anomaly"
	KindComplianceViolation Kind = "compliance_violation"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// EntityType names what an alert is about.
type EntityType string

const (
	EntityMedication EntityType = "medication"
	EntityPeriod     EntityType = "period"
	EntityBalance    EntityType = "balance"
	EntityReport     EntityType = "report"
)

type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID
}

type Alert struct {
	Kind       Kind            `json:"kind"`
	Severity   Severity        `json:"severity"`
	TenantID   domain.TenantID `json:"tenant_id"`
	Entity     EntityRef       `json:"entity"`
	Period     string          `json:"period,omitempty"`
	Message    string          `json:"message"`
	DetectedAt time.Time       `json:"detected_at"`
	// Value carries the numeric detail when the kind has one: z-score for
	// anomalies, days left or overdue for deadlines.
	Value *float64 `json:"value,omitempty"`
}

// Key identifies the condition an alert describes. Message, Value and
// DetectedAt drift between scans and are left out; a severity change is a new
// condition.
func (a Alert) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", a.TenantID, a.Kind, a.Severity, a.Entity, a.Period)
}

// WithValue returns a copy of a carrying v.
func (a Alert) WithValue(v float64) Alert {
	a.Value = &v
	return a
}
