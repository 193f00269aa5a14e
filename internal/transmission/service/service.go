// Package service coordinates delivery of compiled reports to the authority.
//
// Per report the workflow is compiled -> pending -> {transmitted, failed} and
// failed -> pending on retry. The claim to pending is a conditional update on
// the report row, so concurrent submitters lose with CodeInvalidState and at
// most one attempt is ever in flight.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	compliancemodels "rxledger/internal/compliance/models"
	reportmodels "rxledger/internal/report/models"
	transmissionmetrics "rxledger/internal/transmission/metrics"
	"rxledger/internal/transmission/models"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/circuit"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

var tracer = otel.Tracer("rxledger/transmission")

// Transport submits a payload to the authority and returns its protocol code.
type Transport interface {
	Submit(ctx context.Context, payload []byte) (string, error)
}

// AlertSink receives escalations raised when the retry cap is reached.
type AlertSink interface {
	Publish(ctx context.Context, alerts ...compliancemodels.Alert) error
}

type Store interface {
	Create(ctx context.Context, t *models.Transmission) error
	FindByID(ctx context.Context, tenantID domain.TenantID, id domain.TransmissionID) (*models.Transmission, error)
	Execute(ctx context.Context, tenantID domain.TenantID, id domain.TransmissionID, validate func(*models.Transmission) error, mutate func(*models.Transmission)) (*models.Transmission, error)
	ListByReport(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID) ([]*models.Transmission, error)
	ListStartedBetween(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]*models.Transmission, error)
	ListPendingBefore(ctx context.Context, tenantID domain.TenantID, cutoff time.Time) ([]*models.Transmission, error)
}

// ReportStore is the part of the report store the coordinator drives.
type ReportStore interface {
	FindByID(ctx context.Context, tenantID domain.TenantID, id domain.ReportID) (*reportmodels.RegulatoryReport, error)
	Execute(ctx context.Context, tenantID domain.TenantID, id domain.ReportID, validate func(*reportmodels.RegulatoryReport) error, mutate func(*reportmodels.RegulatoryReport)) (*reportmodels.RegulatoryReport, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type OpsTracker interface {
	Track(ctx context.Context, event audit.OpsEvent)
}

const (
	defaultMaxAttempts = 5
	defaultTimeout     = 30 * time.Second

	// actor recorded on audit events raised by the coordinator itself
	systemActor = "system"
)

var errRetryLimit = errors.New("retry limit reached")

type Service struct {
	transmissions  Store
	reports        ReportStore
	transport      Transport
	breaker        *circuit.Breaker
	alerts         AlertSink
	tx             tx.Runner
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	ops            OpsTracker
	metrics        *transmissionmetrics.Metrics
	maxAttempts    int
	timeout        time.Duration
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

func WithAlertSink(sink AlertSink) Option {
	return func(s *Service) {
		s.alerts = sink
	}
}

func WithMetrics(m *transmissionmetrics.Metrics) Option {
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

// WithBreaker replaces the default authority circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// WithMaxAttempts caps attempts per report.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTimeout bounds each Transport.Submit call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(transmissions Store, reports ReportStore, transport Transport, opts ...Option) *Service {
	s := &Service{
		transmissions: transmissions,
		reports:       reports,
		transport:     transport,
		tx:            tx.Memory{},
		clock:         clock.System{},
		logger:        slog.New(slog.DiscardHandler),
		maxAttempts:   defaultMaxAttempts,
		timeout:       defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = circuit.New("authority", circuit.WithNow(s.clock.Now))
	}
	return s
}

// Transmit submits a compiled or failed report. On transport failure the attempt
// and the report are marked failed and a CodeTransport error is returned.
func (s *Service) Transmit(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID) (*models.Transmission, error) {
	ctx, span := tracer.Start(ctx, "transmission.Transmit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("report_id", reportID.String()),
	)

	t, err := s.transmit(ctx, tenantID, reportID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Int("attempt", t.Attempt))
	return t, nil
}

func (s *Service) transmit(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID) (*models.Transmission, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	report, attempt, err := s.claim(ctx, tenantID, reportID)
	if errors.Is(err, errRetryLimit) {
		return nil, s.retryLimitExceeded(ctx, tenantID, reportID)
	}
	if err != nil {
		return nil, err
	}

	code, submitErr := s.submit(ctx, report.Payload)

	// Record the outcome even if the caller has gone away.
	resolveCtx := context.WithoutCancel(ctx)
	if submitErr != nil {
		if err := s.resolveFailure(resolveCtx, attempt, submitErr.Error()); err != nil {
			return nil, err
		}
		s.logger.WarnContext(ctx, string(audit.EventTransmissionFailed),
			"tenant_id", tenantID,
			"report_id", reportID,
			"attempt", attempt.Attempt,
			"error", submitErr,
		)
		return nil, dErrors.Wrap(submitErr, dErrors.CodeTransport,
			fmt.Sprintf("transmission %s of report %s failed", attempt.ID, reportID))
	}

	done, err := s.resolveSuccess(resolveCtx, attempt, code)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, string(audit.EventReportTransmitted),
		"tenant_id", tenantID,
		"report_id", reportID,
		"attempt", done.Attempt,
		"protocol_code", code,
	)
	return done, nil
}

// claim moves the report to pending and creates the pending attempt in one unit of work.
func (s *Service) claim(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID) (*reportmodels.RegulatoryReport, *models.Transmission, error) {
	var (
		report  *reportmodels.RegulatoryReport
		attempt *models.Transmission
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		previous, err := s.transmissions.ListByReport(ctx, tenantID, reportID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load previous attempts")
		}
		report, err = s.reports.Execute(ctx, tenantID, reportID,
			func(r *reportmodels.RegulatoryReport) error {
				if err := r.CanSubmit(); err != nil {
					return err
				}
				if len(previous) >= s.maxAttempts {
					return errRetryLimit
				}
				return nil
			},
			func(r *reportmodels.RegulatoryReport) {
				r.ApplyPending()
			},
		)
		if err != nil {
			return err
		}

		attempt = models.NewTransmission(tenantID, reportID, len(previous)+1, s.clock.Now())
		if err := s.transmissions.Create(ctx, attempt); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeInvalidState, "a concurrent attempt claimed the report")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create transmission")
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errRetryLimit) {
			return nil, nil, err
		}
		return nil, nil, wrapTransmissionErr(err, "failed to claim report")
	}
	return report, attempt, nil
}

// submit calls the transport through the breaker, bounded by the timeout.
func (s *Service) submit(ctx context.Context, payload []byte) (string, error) {
	if !s.breaker.Allow(s.clock.Now()) {
		s.incAttempt("rejected")
		return "", errors.New("authority circuit open")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	code, err := s.transport.Submit(callCtx, payload)
	if s.metrics != nil {
		s.metrics.ObserveTransport(start)
	}
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", s.timeout, err)
		}
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.logger.WarnContext(ctx, "authority circuit opened", "breaker", s.breaker.Name())
			s.setCircuit(true)
		}
		s.incAttempt("failed")
		return "", err
	}
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.logger.InfoContext(ctx, "authority circuit closed", "breaker", s.breaker.Name())
		s.setCircuit(false)
	}
	s.incAttempt("succeeded")
	return code, nil
}

func (s *Service) resolveSuccess(ctx context.Context, attempt *models.Transmission, code string) (*models.Transmission, error) {
	var done *models.Transmission
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		var err error
		done, err = s.transmissions.Execute(ctx, attempt.TenantID, attempt.ID,
			func(t *models.Transmission) error { return t.CanFinish() },
			func(t *models.Transmission) { t.ApplySucceeded(code, now) },
		)
		if err != nil {
			return err
		}
		if _, err := s.reports.Execute(ctx, attempt.TenantID, attempt.ReportID,
			func(r *reportmodels.RegulatoryReport) error { return r.CanResolve() },
			func(r *reportmodels.RegulatoryReport) { r.ApplyTransmitted(code, now) },
		); err != nil {
			return err
		}
		return s.emit(ctx, audit.ComplianceEvent{
			TenantID: attempt.TenantID,
			Subject:  audit.Subject("report", attempt.ReportID),
			Action:   audit.EventReportTransmitted,
			Detail:   fmt.Sprintf("transmission=%s attempt=%d protocol=%s", attempt.ID, attempt.Attempt, code),
			ActorID:  systemActor,
		})
	})
	if err != nil {
		return nil, wrapTransmissionErr(err, "failed to record successful transmission")
	}
	return done, nil
}

func (s *Service) resolveFailure(ctx context.Context, attempt *models.Transmission, detail string) error {
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.fail(ctx, attempt, detail)
	})
	if err != nil {
		return wrapTransmissionErr(err, "failed to record failed transmission")
	}
	return nil
}

// fail marks attempt and its report failed. A report that is no longer pending is left alone.
func (s *Service) fail(ctx context.Context, attempt *models.Transmission, detail string) error {
	now := s.clock.Now()
	if _, err := s.transmissions.Execute(ctx, attempt.TenantID, attempt.ID,
		func(t *models.Transmission) error { return t.CanFinish() },
		func(t *models.Transmission) { t.ApplyFailed(detail, now) },
	); err != nil {
		return err
	}
	_, err := s.reports.Execute(ctx, attempt.TenantID, attempt.ReportID,
		func(r *reportmodels.RegulatoryReport) error { return r.CanResolve() },
		func(r *reportmodels.RegulatoryReport) { r.ApplyFailed() },
	)
	if err != nil && !dErrors.HasCode(err, dErrors.CodeInvalidState) {
		return err
	}
	return s.emit(ctx, audit.ComplianceEvent{
		TenantID: attempt.TenantID,
		Subject:  audit.Subject("report", attempt.ReportID),
		Action:   audit.EventTransmissionFailed,
		Reason:   detail,
		Detail:   fmt.Sprintf("transmission=%s attempt=%d", attempt.ID, attempt.Attempt),
		ActorID:  systemActor,
	})
}

// retryLimitExceeded escalates: compliance audit event plus a critical alert.
// The report stays failed and no attempt is created.
func (s *Service) retryLimitExceeded(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID) error {
	limitErr := dErrors.Newf(dErrors.CodeRetryLimitExceeded,
		"report %s reached the limit of %d transmission attempts", reportID, s.maxAttempts)

	if err := s.emit(ctx, audit.ComplianceEvent{
		TenantID: tenantID,
		Subject:  audit.Subject("report", reportID),
		Action:   audit.EventRetryLimitExceeded,
		Detail:   fmt.Sprintf("max_attempts=%d", s.maxAttempts),
		ActorID:  systemActor,
	}); err != nil {
		return err
	}
	if s.alerts != nil {
		alert := compliancemodels.Alert{
			Kind:       compliancemodels.KindComplianceViolation,
			Severity:   compliancemodels.SeverityCritical,
			TenantID:   tenantID,
			Entity:     compliancemodels.EntityRef{Type: compliancemodels.EntityReport, ID: reportID.String()},
			Message:    limitErr.Error(),
			DetectedAt: s.clock.Now(),
		}.WithValue(float64(s.maxAttempts))
		if err := s.alerts.Publish(ctx, alert); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish retry limit alert", "report_id", reportID, "error", err)
		}
	}
	s.logger.ErrorContext(ctx, string(audit.EventRetryLimitExceeded),
		"tenant_id", tenantID,
		"report_id", reportID,
		"max_attempts", s.maxAttempts,
	)
	if s.metrics != nil {
		s.metrics.IncRetryLimit()
	}
	return limitErr
}

// Retry transmits the report of a failed attempt again under the same cap.
func (s *Service) Retry(ctx context.Context, tenantID domain.TenantID, transmissionID domain.TransmissionID) (*models.Transmission, error) {
	t, err := s.GetTransmission(ctx, tenantID, transmissionID)
	if err != nil {
		return nil, err
	}
	if err := t.CanRetry(); err != nil {
		return nil, err
	}
	return s.Transmit(ctx, tenantID, t.ReportID)
}

// ExpireStale fails pending attempts started more than olderThan ago and returns
// their reports to failed. Returns how many attempts were expired.
func (s *Service) ExpireStale(ctx context.Context, tenantID domain.TenantID, olderThan time.Duration) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	if olderThan <= 0 {
		olderThan = s.timeout
	}
	cutoff := s.clock.Now().Add(-olderThan)
	stale, err := s.transmissions.ListPendingBefore(ctx, tenantID, cutoff)
	if err != nil {
		return 0, wrapTransmissionErr(err, "failed to list pending transmissions")
	}

	expired := 0
	detail := fmt.Sprintf("expired: no outcome within %s", olderThan)
	for _, t := range stale {
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			return s.fail(ctx, t, detail)
		})
		if dErrors.HasCode(err, dErrors.CodeInvalidState) {
			continue
		}
		if err != nil {
			return expired, wrapTransmissionErr(err, "failed to expire transmission")
		}
		expired++
	}

	if expired > 0 {
		s.logger.WarnContext(ctx, string(audit.EventStaleTransmissionsExpired),
			"tenant_id", tenantID,
			"expired", expired,
		)
		if s.ops != nil {
			s.ops.Track(ctx, audit.OpsEvent{
				TenantID: tenantID,
				Subject:  "tenant:" + tenantID.String(),
				Action:   audit.EventStaleTransmissionsExpired,
				Detail:   fmt.Sprintf("expired=%d cutoff=%s", expired, cutoff.Format(time.RFC3339)),
			})
		}
		if s.metrics != nil {
			s.metrics.AddStaleExpired(expired)
		}
	}
	return expired, nil
}

// GetStatistics summarizes attempts started with from <= startedAt < to.
func (s *Service) GetStatistics(ctx context.Context, tenantID domain.TenantID, from, to time.Time) (models.Statistics, error) {
	if err := requireTenant(tenantID); err != nil {
		return models.Statistics{}, err
	}
	if !from.Before(to) {
		return models.Statistics{}, dErrors.New(dErrors.CodeValidation, "statistics range must satisfy from < to")
	}
	ts, err := s.transmissions.ListStartedBetween(ctx, tenantID, from, to)
	if err != nil {
		return models.Statistics{}, wrapTransmissionErr(err, "failed to list transmissions")
	}
	return models.Summarize(ts), nil
}

func (s *Service) GetTransmission(ctx context.Context, tenantID domain.TenantID, id domain.TransmissionID) (*models.Transmission, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	t, err := s.transmissions.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, wrapTransmissionErr(err, "failed to load transmission")
	}
	return t, nil
}

// ListTransmissions returns a report's attempts in attempt order.
func (s *Service) ListTransmissions(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID) ([]*models.Transmission, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	ts, err := s.transmissions.ListByReport(ctx, tenantID, reportID)
	if err != nil {
		return nil, wrapTransmissionErr(err, "failed to list transmissions")
	}
	return ts, nil
}

func requireTenant(tenantID domain.TenantID) error {
	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "tenant is required")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event audit.ComplianceEvent) error {
	if s.auditPublisher == nil {
		return nil
	}
	return s.auditPublisher.Emit(ctx, event)
}

func (s *Service) incAttempt(outcome string) {
	if s.metrics != nil {
		s.metrics.IncAttempt(outcome)
	}
}

func (s *Service) setCircuit(open bool) {
	if s.metrics != nil {
		s.metrics.SetCircuitOpen(open)
	}
}

func wrapTransmissionErr(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "report or transmission not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeInvalidState, "report already has a successful transmission")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
