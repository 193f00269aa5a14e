package audit

import (
	"time"

	id "rxledger/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: every movement
	// of a controlled substance and every step of the reporting pipeline. These
	// require tamper-proof storage and long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers events useful for debugging and operational visibility.
	// These can be sampled or aggregated with shorter retention.
	CategoryOperations EventCategory = "operations"
)

// Event is the stored form of every audit event. Keep it transport-agnostic so
// stores and sinks can fan out.
type Event struct {
	ID        string
	Category  EventCategory
	Timestamp time.Time
	TenantID  id.TenantID
	// Subject references the affected entity as "<type>:<id>", e.g. "balance:<uuid>".
	Subject   string
	Action    string
	Reason    string
	Detail    string
	RequestID string
	// ActorID is the operator who performed the action; "system" for background jobs.
	ActorID string
}

type AuditEvent string

const (
	EventLedgerEntryRecorded       AuditEvent = "ledger_entry_recorded"
	EventPhysicalInventoryRecorded AuditEvent = "physical_inventory_recorded"
	EventBalanceClosed             AuditEvent = "balance_closed"
	EventReportCreated             AuditEvent = "report_created"
	EventReportCompiled            AuditEvent = "report_compiled"
	EventReportTransmitted         AuditEvent = "report_transmitted"
	EventTransmissionFailed        AuditEvent = "transmission_failed"
	EventRetryLimitExceeded        AuditEvent = "retry_limit_exceeded"

	EventBalancesCalculated        AuditEvent = "balances_calculated"
	EventComplianceScanCompleted   AuditEvent = "compliance_scan_completed"
	EventStaleTransmissionsExpired AuditEvent = "stale_transmissions_expired"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventLedgerEntryRecorded:       CategoryCompliance,
	EventPhysicalInventoryRecorded: CategoryCompliance,
	EventBalanceClosed:             CategoryCompliance,
	EventReportCreated:             CategoryCompliance,
	EventReportCompiled:            CategoryCompliance,
	EventReportTransmitted:         CategoryCompliance,
	EventTransmissionFailed:        CategoryCompliance,
	EventRetryLimitExceeded:        CategoryCompliance,

	EventBalancesCalculated:        CategoryOperations,
	EventComplianceScanCompleted:   CategoryOperations,
	EventStaleTransmissionsExpired: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// ComplianceEvent captures regulatory-significant actions requiring guaranteed persistence.
// Use with the compliance publisher for fail-closed semantics.
type ComplianceEvent struct {
	Timestamp time.Time   // set automatically if zero
	TenantID  id.TenantID // required
	Subject   string      // required, "<type>:<id>"
	Action    AuditEvent  // required
	Reason    string      // operator-supplied justification (discrepancy, adjustment)
	Detail    string      // machine-readable detail (quantities, codes, attempt numbers)
	RequestID string
	ActorID   string
}

// Category returns CategoryCompliance (always).
func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:  CategoryCompliance,
		Timestamp: e.Timestamp,
		TenantID:  e.TenantID,
		Subject:   e.Subject,
		Action:    string(e.Action),
		Reason:    e.Reason,
		Detail:    e.Detail,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
	}
}

// OpsEvent captures operational events with minimal overhead.
// Events are fire-and-forget with optional sampling.
type OpsEvent struct {
	Timestamp time.Time
	TenantID  id.TenantID
	Subject   string
	Action    AuditEvent
	Detail    string
	RequestID string
}

// Category returns CategoryOperations (always).
func (e OpsEvent) Category() EventCategory { return CategoryOperations }

func (e OpsEvent) ToEvent() Event {
	return Event{
		Category:  CategoryOperations,
		Timestamp: e.Timestamp,
		TenantID:  e.TenantID,
		Subject:   e.Subject,
		Action:    string(e.Action),
		Detail:    e.Detail,
		RequestID: e.RequestID,
		ActorID:   "system",
	}
}

// Subject formats an entity reference.
func Subject(kind string, entityID interface{ String() string }) string {
	return kind + ":" + entityID.String()
}
