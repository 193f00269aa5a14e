// Package service computes, reconciles and closes monthly balances.
//
// Closing is the single-writer operation of a period: it runs under the
// distributed per-(tenant, medication, period) lock shared with ledger appends,
// recomputes the figures inside the unit of work and then flips the status with
// a conditional Execute on the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"rxledger/internal/balance/models"
	balancemetrics "rxledger/internal/balance/metrics"
	ledgermodels "rxledger/internal/ledger/models"
	"rxledger/internal/platform/lock"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

type Store interface {
	SaveOpen(ctx context.Context, b *models.MonthlyBalance) error
	FindByID(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID) (*models.MonthlyBalance, error)
	FindByPeriod(ctx context.Context, tenantID domain.TenantID, medicationID string, period domain.Period) (*models.MonthlyBalance, error)
	Execute(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID, validate func(*models.MonthlyBalance) error, mutate func(*models.MonthlyBalance)) (*models.MonthlyBalance, error)
	ListByPeriod(ctx context.Context, tenantID domain.TenantID, period domain.Period) ([]*models.MonthlyBalance, error)
	ListByStatus(ctx context.Context, tenantID domain.TenantID, status models.Status) ([]*models.MonthlyBalance, error)
	ListAll(ctx context.Context, tenantID domain.TenantID) ([]*models.MonthlyBalance, error)
}

// LedgerReader is the read side of the ledger service.
type LedgerReader interface {
	Medications(ctx context.Context, tenantID domain.TenantID, until time.Time) ([]domain.Medication, error)
	Query(ctx context.Context, tenantID domain.TenantID, medicationID string, from, to time.Time) ([]*ledgermodels.LedgerEntry, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type OpsTracker interface {
	Track(ctx context.Context, event audit.OpsEvent)
}

const defaultGraceDays = 5

type Service struct {
	store          Store
	ledger         LedgerReader
	locker         lock.Locker
	tx             tx.Runner
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	ops            OpsTracker
	metrics        *balancemetrics.Metrics
	graceDays      int
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

func WithOpsTracker(t OpsTracker) Option {
	return func(s *Service) {
		s.ops = t
	}
}

func WithMetrics(m *balancemetrics.Metrics) Option {
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

// WithGraceDays sets how many days after period end a balance may stay open.
func WithGraceDays(days int) Option {
	return func(s *Service) {
		if days >= 0 {
			s.graceDays = days
		}
	}
}

func New(store Store, ledger LedgerReader, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:     store,
		ledger:    ledger,
		locker:    locker,
		tx:        tx.Memory{},
		clock:     clock.System{},
		logger:    slog.New(slog.DiscardHandler),
		graceDays: defaultGraceDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GraceDays exposes the configured closing grace so the monitor can share it.
func (s *Service) GraceDays() int {
	return s.graceDays
}

// CalculateMonthlyBalances creates or overwrites the open balance of every
// medication with activity up to the end of period. Closed balances are left
// untouched; if all of them are closed the call fails with CodeInvalidState.
// Returns every balance of the period ordered by medication.
func (s *Service) CalculateMonthlyBalances(ctx context.Context, tenantID domain.TenantID, period domain.Period) ([]*models.MonthlyBalance, error) {
	start := time.Now()
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}

	meds, err := s.ledger.Medications(ctx, tenantID, period.End())
	if err != nil {
		return nil, err
	}

	var calculated, closed int
	for _, med := range meds {
		saved, err := s.calculateOne(ctx, tenantID, med, period)
		if err != nil {
			return nil, err
		}
		if saved {
			calculated++
		} else {
			closed++
		}
	}
	if len(meds) > 0 && closed == len(meds) {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "every balance of period %s is closed", period)
	}

	balances, err := s.store.ListByPeriod(ctx, tenantID, period)
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to list balances")
	}

	s.logger.InfoContext(ctx, string(audit.EventBalancesCalculated),
		"tenant_id", tenantID,
		"period", period.String(),
		"calculated", calculated,
		"skipped_closed", closed,
	)
	if s.ops != nil {
		s.ops.Track(ctx, audit.OpsEvent{
			TenantID: tenantID,
			Subject:  "period:" + period.String(),
			Action:   audit.EventBalancesCalculated,
			Detail:   fmt.Sprintf("calculated=%d skipped_closed=%d", calculated, closed),
		})
	}
	if s.metrics != nil {
		s.metrics.IncCalculated(calculated)
		s.metrics.ObserveCalculation(start)
	}
	return balances, nil
}

// calculateOne reports false when the balance is closed and was skipped.
func (s *Service) calculateOne(ctx context.Context, tenantID domain.TenantID, med domain.Medication, period domain.Period) (bool, error) {
	saved := false
	err := s.withPeriod(ctx, tenantID, med.ID, period, func(ctx context.Context) error {
		existing, err := s.store.FindByPeriod(ctx, tenantID, med.ID, period)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return wrapBalanceErr(err, "failed to load balance")
		}
		if existing != nil && existing.IsClosed() {
			return nil
		}

		calc, err := s.calculation(ctx, tenantID, med.ID, period)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		b := existing
		if b == nil {
			b = models.NewMonthlyBalance(tenantID, med, period, calc, now)
		} else {
			b.Medication = med
			b.ApplyCalculation(calc, now)
		}
		if err := s.store.SaveOpen(ctx, b); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return nil
			}
			return wrapBalanceErr(err, "failed to save balance")
		}
		saved = true
		return nil
	})
	return saved, err
}

// RecalculateBalance recomputes a single open balance from the ledger.
func (s *Service) RecalculateBalance(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID) (*models.MonthlyBalance, error) {
	current, err := s.GetBalance(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := current.CanRecalculate(); err != nil {
		return nil, asInvalidState(err)
	}

	var updated *models.MonthlyBalance
	err = s.withPeriod(ctx, tenantID, current.Medication.ID, current.Period, func(ctx context.Context) error {
		calc, err := s.calculation(ctx, tenantID, current.Medication.ID, current.Period)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		updated, err = s.store.Execute(ctx, tenantID, id,
			func(b *models.MonthlyBalance) error {
				return b.CanRecalculate()
			},
			func(b *models.MonthlyBalance) {
				b.ApplyCalculation(calc, now)
			},
		)
		return err
	})
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to recalculate balance")
	}
	if s.metrics != nil {
		s.metrics.IncCalculated(1)
	}
	return updated, nil
}

// RecordPhysicalInventory stores a physical count and the resulting discrepancy.
func (s *Service) RecordPhysicalInventory(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID, count decimal.Decimal, reason, operator string) (*models.MonthlyBalance, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var updated *models.MonthlyBalance
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.store.Execute(ctx, tenantID, id,
			func(b *models.MonthlyBalance) error {
				return b.CanRecordPhysicalCount(count, reason)
			},
			func(b *models.MonthlyBalance) {
				b.ApplyPhysicalCount(count, reason)
			},
		)
		if err != nil {
			return err
		}
		return s.emit(ctx, audit.ComplianceEvent{
			TenantID: tenantID,
			Subject:  audit.Subject("balance", id),
			Action:   audit.EventPhysicalInventoryRecorded,
			Reason:   reason,
			Detail: fmt.Sprintf("medication=%s period=%s physical=%s calculated=%s discrepancy=%s",
				updated.Medication.ID, updated.Period, count, updated.ClosingBalance, updated.Discrepancy.Decimal),
			ActorID: operator,
		})
	})
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to record physical inventory")
	}

	s.logger.InfoContext(ctx, string(audit.EventPhysicalInventoryRecorded),
		"tenant_id", tenantID,
		"balance_id", id,
		"physical_count", count.String(),
		"discrepancy", updated.Discrepancy.Decimal.String(),
	)
	if s.metrics != nil {
		s.metrics.IncPhysicalCount(updated.HasDiscrepancy())
	}
	return updated, nil
}

// CloseBalance transitions an open balance to closed. The figures are recomputed
// from the ledger under the period lock so the closed snapshot matches every
// entry of the period. Periods close in order: earlier ledger activity needs a
// closed balance for the previous period, and no later period may be closed yet.
func (s *Service) CloseBalance(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID, operator string) (*models.MonthlyBalance, error) {
	if operator == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "operator is required to close a balance")
	}
	current, err := s.GetBalance(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := current.CanClose(); err != nil {
		return nil, asInvalidState(err)
	}

	// Locks are taken in period order: previous month, then this one.
	var closed *models.MonthlyBalance
	prevKey := lock.PeriodKey(tenantID, current.Medication.ID, current.Period.Prev())
	err = lock.WithLock(ctx, s.locker, prevKey, func(ctx context.Context) error {
		return s.withPeriod(ctx, tenantID, current.Medication.ID, current.Period, func(ctx context.Context) error {
			if err := s.checkCloseOrder(ctx, current); err != nil {
				return err
			}
			var closeErr error
			closed, closeErr = s.close(ctx, current, operator)
			return closeErr
		})
	})
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to close balance")
	}

	s.logger.InfoContext(ctx, string(audit.EventBalanceClosed),
		"tenant_id", tenantID,
		"balance_id", id,
		"medication_id", closed.Medication.ID,
		"period", closed.Period.String(),
		"closing_balance", closed.ClosingBalance.String(),
		"closed_by", operator,
	)
	if s.metrics != nil {
		s.metrics.IncClosed()
	}
	return closed, nil
}

// checkCloseOrder keeps the opening chain intact: month N+1 opens with month N's
// closing only if N closes first.
func (s *Service) checkCloseOrder(ctx context.Context, current *models.MonthlyBalance) error {
	tenantID, medicationID := current.TenantID, current.Medication.ID

	later, err := s.store.ClosedAtOrAfter(ctx, tenantID, medicationID, current.Period.Next())
	if err != nil {
		return err
	}
	if later {
		return dErrors.Newf(dErrors.CodeInvalidState,
			"a period after %s is already closed for medication %s", current.Period, medicationID)
	}

	prev, err := s.store.FindByPeriod(ctx, tenantID, medicationID, current.Period.Prev())
	switch {
	case err == nil && prev.IsClosed():
		return nil
	case err == nil:
		return dErrors.Newf(dErrors.CodeInvalidState,
			"previous period %s must be closed first", prev.Period)
	case !errors.Is(err, sentinel.ErrNotFound):
		return err
	}

	meds, err := s.ledger.Medications(ctx, tenantID, current.Period.Start())
	if err != nil {
		return err
	}
	for _, m := range meds {
		if m.ID == medicationID {
			return dErrors.Newf(dErrors.CodeInvalidState,
				"medication %s has activity before %s; close %s first", medicationID, current.Period, current.Period.Prev())
		}
	}
	return nil
}

func (s *Service) close(ctx context.Context, current *models.MonthlyBalance, operator string) (*models.MonthlyBalance, error) {
	tenantID, id := current.TenantID, current.ID
	calc, err := s.calculation(ctx, tenantID, current.Medication.ID, current.Period)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	closed, err := s.store.Execute(ctx, tenantID, id,
		func(b *models.MonthlyBalance) error {
			return b.CanClose()
		},
		func(b *models.MonthlyBalance) {
			b.ApplyCalculation(calc, now)
			b.ApplyClose(operator, now)
		},
	)
	if err != nil {
		return nil, err
	}
	err = s.emit(ctx, audit.ComplianceEvent{
		TenantID: tenantID,
		Subject:  audit.Subject("balance", id),
		Action:   audit.EventBalanceClosed,
		Reason:   closed.DiscrepancyReason,
		Detail: fmt.Sprintf("medication=%s period=%s opening=%s in=%s out=%s closing=%s",
			closed.Medication.ID, closed.Period, closed.OpeningBalance, closed.TotalIn, closed.TotalOut, closed.ClosingBalance),
		ActorID: operator,
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// GetOverdueBalances returns open balances past period end plus the grace days.
func (s *Service) GetOverdueBalances(ctx context.Context, tenantID domain.TenantID) ([]*models.MonthlyBalance, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	open, err := s.store.ListByStatus(ctx, tenantID, models.StatusOpen)
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to list open balances")
	}
	now := s.clock.Now()
	var overdue []*models.MonthlyBalance
	for _, b := range open {
		if b.IsOverdue(now, s.graceDays) {
			overdue = append(overdue, b)
		}
	}
	return overdue, nil
}

// GetBalancesWithDiscrepancies returns balances whose physical count disagrees with the ledger.
func (s *Service) GetBalancesWithDiscrepancies(ctx context.Context, tenantID domain.TenantID) ([]*models.MonthlyBalance, error) {
	all, err := s.ListAllBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []*models.MonthlyBalance
	for _, b := range all {
		if b.HasDiscrepancy() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Service) GetBalance(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID) (*models.MonthlyBalance, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	b, err := s.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to load balance")
	}
	return b, nil
}

func (s *Service) ListBalances(ctx context.Context, tenantID domain.TenantID, period domain.Period) ([]*models.MonthlyBalance, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	balances, err := s.store.ListByPeriod(ctx, tenantID, period)
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to list balances")
	}
	return balances, nil
}

// ListAllBalances returns every balance of the tenant ordered by period, then medication.
func (s *Service) ListAllBalances(ctx context.Context, tenantID domain.TenantID) ([]*models.MonthlyBalance, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	balances, err := s.store.ListAll(ctx, tenantID)
	if err != nil {
		return nil, wrapBalanceErr(err, "failed to list balances")
	}
	return balances, nil
}

// calculation derives opening, in and out for one medication and period.
// Opening carries the previous closing balance only when that period is closed.
func (s *Service) calculation(ctx context.Context, tenantID domain.TenantID, medicationID string, period domain.Period) (models.Calculation, error) {
	calc := models.Calculation{Opening: decimal.Zero}
	prev, err := s.store.FindByPeriod(ctx, tenantID, medicationID, period.Prev())
	switch {
	case err == nil && prev.IsClosed():
		calc.Opening = prev.ClosingBalance
	case err != nil && !errors.Is(err, sentinel.ErrNotFound):
		return calc, wrapBalanceErr(err, "failed to load previous balance")
	}

	entries, err := s.ledger.Query(ctx, tenantID, medicationID, period.Start(), period.End())
	if err != nil {
		return calc, err
	}
	totals := ledgermodels.Sum(entries)
	calc.In = totals.In
	calc.Out = totals.Out
	return calc, nil
}

// withPeriod runs fn holding the period lock, inside a unit of work.
func (s *Service) withPeriod(ctx context.Context, tenantID domain.TenantID, medicationID string, period domain.Period, fn func(ctx context.Context) error) error {
	key := lock.PeriodKey(tenantID, medicationID, period)
	return lock.WithLock(ctx, s.locker, key, func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, fn)
	})
}

func (s *Service) emit(ctx context.Context, event audit.ComplianceEvent) error {
	if s.auditPublisher == nil {
		return nil
	}
	return s.auditPublisher.Emit(ctx, event)
}

func requireTenant(tenantID domain.TenantID) error {
	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "tenant is required")
	}
	return nil
}

func asInvalidState(err error) error {
	if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
		return dErrors.New(dErrors.CodeInvalidState, err.Error())
	}
	return err
}

func wrapBalanceErr(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return asInvalidState(err)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "balance not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeInvalidState, "balance is closed")
	case errors.Is(err, sentinel.ErrLocked):
		return dErrors.Wrap(err, dErrors.CodeLocked, "period is being modified concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
