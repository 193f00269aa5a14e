// Package service implements the append-only controlled-substance ledger.
//
// Every append runs under the per-(tenant, medication, period) lock and checks the
// PeriodGuard inside the same unit of work, so an entry can never land in a period
// whose balance is being or has been closed, nor underneath a later closed period.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rxledger/internal/ledger/models"
	ledgermetrics "rxledger/internal/ledger/metrics"
	"rxledger/internal/platform/lock"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

// Store is append-only: it exposes no update or delete.
type Store interface {
	Append(ctx context.Context, entry *models.LedgerEntry) error
	FindByID(ctx context.Context, tenantID domain.TenantID, id domain.EntryID) (*models.LedgerEntry, error)
	Query(ctx context.Context, tenantID domain.TenantID, medicationID string, from, to time.Time) ([]*models.LedgerEntry, error)
	QueryAll(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]*models.LedgerEntry, error)
	Medications(ctx context.Context, tenantID domain.TenantID, until time.Time) ([]domain.Medication, error)
	FirstActivity(ctx context.Context, tenantID domain.TenantID) (time.Time, bool, error)
}

// PeriodGuard reports whether a medication's period, or any later period, is
// closed. The balance store implements it.
type PeriodGuard interface {
	ClosedAtOrAfter(ctx context.Context, tenantID domain.TenantID, medicationID string, period domain.Period) (bool, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type Service struct {
	store          Store
	guard          PeriodGuard
	locker         lock.Locker
	tx             tx.Runner
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *ledgermetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *ledgermetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// New constructs a Service. Without WithTx the unit of work is a no-op (in-memory stores).
func New(store Store, guard PeriodGuard, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:  store,
		guard:  guard,
		locker: locker,
		tx:     tx.Memory{},
		clock:  clock.System{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends one entry. Closed periods reject the append with CodeInvalidState.
func (s *Service) Record(ctx context.Context, tenantID domain.TenantID, req models.RecordEntryRequest, operator string) (*models.LedgerEntry, error) {
	start := time.Now()
	defer s.observeRecord(start)

	if err := requireTenant(tenantID); err != nil {
		return nil, s.rejected(err)
	}
	req.Normalize()
	entry, err := models.NewLedgerEntry(tenantID, req, operator, s.clock.Now())
	if err != nil {
		return nil, s.rejected(err)
	}
	if err := s.append(ctx, entry); err != nil {
		return nil, s.rejected(err)
	}
	return entry, nil
}

// RecordAdjustment appends the compensating entry for originalID. The compensation
// is dated now, so it lands in the current open period even when the original's
// period is already closed.
func (s *Service) RecordAdjustment(ctx context.Context, tenantID domain.TenantID, originalID domain.EntryID, reason, operator string) (*models.LedgerEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "adjustment reason is required")
	}
	original, err := s.store.FindByID(ctx, tenantID, originalID)
	if err != nil {
		return nil, wrapLedgerErr(err, "failed to load original entry")
	}
	if err := original.CanBeAdjusted(); err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, err.Error())
	}

	now := s.clock.Now()
	entry, err := models.NewLedgerEntry(tenantID, original.CompensationRequest(reason, now), operator, now)
	if err != nil {
		return nil, err
	}
	if err := s.append(ctx, entry); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "entry has already been adjusted")
		}
		return nil, err
	}
	return entry, nil
}

// RecordDispensation appends the outbound entry for a dispensed prescription item.
func (s *Service) RecordDispensation(ctx context.Context, tenantID domain.TenantID, event domain.DispensationEvent, operator string) (*models.LedgerEntry, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return s.Record(ctx, tenantID, models.DispensationRequest(event), operator)
}

func (s *Service) append(ctx context.Context, entry *models.LedgerEntry) error {
	period := entry.Period()
	key := lock.PeriodKey(entry.TenantID, entry.Medication.ID, period)

	err := lock.WithLock(ctx, s.locker, key, func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
			closed, err := s.guard.ClosedAtOrAfter(txCtx, entry.TenantID, entry.Medication.ID, period)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check period status")
			}
			if closed {
				return dErrors.Newf(dErrors.CodeInvalidState,
					"period %s or a later one is closed for medication %s", period, entry.Medication.ID)
			}
			if err := s.store.Append(txCtx, entry); err != nil {
				if errors.Is(err, sentinel.ErrConflict) {
					return err
				}
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to append ledger entry")
			}
			return s.emit(txCtx, entry)
		})
	})
	if errors.Is(err, sentinel.ErrLocked) {
		return dErrors.Wrap(err, dErrors.CodeLocked, "period is being modified concurrently")
	}
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, string(audit.EventLedgerEntryRecorded),
		"tenant_id", entry.TenantID,
		"entry_id", entry.ID,
		"medication_id", entry.Medication.ID,
		"direction", entry.Direction,
		"quantity", entry.Quantity.String(),
		"origin", entry.Origin,
	)
	if s.metrics != nil {
		s.metrics.IncRecorded(string(entry.Direction), string(entry.Origin))
	}
	return nil
}

func (s *Service) emit(ctx context.Context, entry *models.LedgerEntry) error {
	if s.auditPublisher == nil {
		return nil
	}
	return s.auditPublisher.Emit(ctx, audit.ComplianceEvent{
		TenantID: entry.TenantID,
		Subject:  audit.Subject("ledger_entry", entry.ID),
		Action:   audit.EventLedgerEntryRecorded,
		Reason:   entry.Note,
		Detail: fmt.Sprintf("medication=%s direction=%s quantity=%s %s origin=%s ref=%s",
			entry.Medication.ID, entry.Direction, entry.Quantity, entry.Unit, entry.Origin, entry.OriginRef),
		ActorID: entry.CreatedBy,
	})
}

// Query returns a medication's entries with from <= ts < to, ordered by timestamp then sequence.
func (s *Service) Query(ctx context.Context, tenantID domain.TenantID, medicationID string, from, to time.Time) ([]*models.LedgerEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := requireRange(from, to); err != nil {
		return nil, err
	}
	entries, err := s.store.Query(ctx, tenantID, medicationID, from, to)
	if err != nil {
		return nil, wrapLedgerErr(err, "failed to query ledger")
	}
	return entries, nil
}

// QueryAll is Query across every medication of the tenant.
func (s *Service) QueryAll(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]*models.LedgerEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := requireRange(from, to); err != nil {
		return nil, err
	}
	entries, err := s.store.QueryAll(ctx, tenantID, from, to)
	if err != nil {
		return nil, wrapLedgerErr(err, "failed to query ledger")
	}
	return entries, nil
}

// Medications lists distinct medications with activity before until.
func (s *Service) Medications(ctx context.Context, tenantID domain.TenantID, until time.Time) ([]domain.Medication, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	meds, err := s.store.Medications(ctx, tenantID, until)
	if err != nil {
		return nil, wrapLedgerErr(err, "failed to list medications")
	}
	return meds, nil
}

// FirstActivity returns the earliest transaction timestamp of the tenant, if any.
func (s *Service) FirstActivity(ctx context.Context, tenantID domain.TenantID) (time.Time, bool, error) {
	first, ok, err := s.store.FirstActivity(ctx, tenantID)
	if err != nil {
		return time.Time{}, false, wrapLedgerErr(err, "failed to load first activity")
	}
	return first, ok, nil
}

func (s *Service) rejected(err error) error {
	if s.metrics != nil {
		s.metrics.IncRejected(string(dErrors.CodeOf(err)))
	}
	return err
}

func (s *Service) observeRecord(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveRecord(start)
	}
}

func requireTenant(tenantID domain.TenantID) error {
	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "tenant is required")
	}
	return nil
}

func requireRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return dErrors.New(dErrors.CodeValidation, "query range must satisfy from < to")
	}
	return nil
}

func wrapLedgerErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "ledger entry not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
