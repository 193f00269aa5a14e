// Package service creates and compiles monthly regulatory reports.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"rxledger/internal/report/compiler"
	reportmetrics "rxledger/internal/report/metrics"
	"rxledger/internal/report/models"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

var tracer = otel.Tracer("rxledger/report")

type Store interface {
	Create(ctx context.Context, r *models.RegulatoryReport) error
	FindByID(ctx context.Context, tenantID domain.TenantID, id domain.ReportID) (*models.RegulatoryReport, error)
	FindByPeriod(ctx context.Context, tenantID domain.TenantID, period domain.Period) (*models.RegulatoryReport, error)
	Execute(ctx context.Context, tenantID domain.TenantID, id domain.ReportID, validate func(*models.RegulatoryReport) error, mutate func(*models.RegulatoryReport)) (*models.RegulatoryReport, error)
	List(ctx context.Context, tenantID domain.TenantID) ([]*models.RegulatoryReport, error)
	AttachedEventIDs(ctx context.Context, tenantID domain.TenantID, eventIDs []string) (map[string]bool, error)
}

// PrescriptionSource is the prescription module's dispensation feed.
type PrescriptionSource interface {
	ListUnreportedDispensations(ctx context.Context, tenantID domain.TenantID, start, end time.Time) ([]domain.DispensationEvent, error)
	MarkReported(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID, eventIDs []string) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type Service struct {
	store          Store
	source         PrescriptionSource
	tx             tx.Runner
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *reportmetrics.Metrics
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

func WithMetrics(m *reportmetrics.Metrics) Option {
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

func New(store Store, source PrescriptionSource, opts ...Option) *Service {
	s := &Service{
		store:  store,
		source: source,
		tx:     tx.Memory{},
		clock:  clock.System{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateReport snapshots the period's unreported dispensations into a draft.
// An empty draft is allowed; compiling it fails with CodeEmptyReport.
func (s *Service) CreateReport(ctx context.Context, tenantID domain.TenantID, period domain.Period, operator string) (*models.RegulatoryReport, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.FindByPeriod(ctx, tenantID, period); err == nil {
		return nil, duplicate(period)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, wrapReportErr(err, "failed to check existing report")
	}

	events, err := s.source.ListUnreportedDispensations(ctx, tenantID, period.Start(), period.End())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list dispensations")
	}
	events, err = s.dropAttached(ctx, tenantID, events)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].DispensedAt.Equal(events[j].DispensedAt) {
			return events[i].DispensedAt.Before(events[j].DispensedAt)
		}
		return events[i].ID < events[j].ID
	})

	report := models.NewReport(tenantID, period, events, operator, s.clock.Now())
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, report); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return duplicate(period)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store report")
		}
		return s.emit(ctx, audit.ComplianceEvent{
			TenantID: tenantID,
			Subject:  audit.Subject("report", report.ID),
			Action:   audit.EventReportCreated,
			Detail:   fmt.Sprintf("period=%s events=%d", period, len(events)),
			ActorID:  operator,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, string(audit.EventReportCreated),
		"tenant_id", tenantID,
		"report_id", report.ID,
		"period", period.String(),
		"events", len(events),
	)
	if s.metrics != nil {
		s.metrics.IncCreated()
	}
	return report, nil
}

func (s *Service) dropAttached(ctx context.Context, tenantID domain.TenantID, events []domain.DispensationEvent) ([]domain.DispensationEvent, error) {
	if len(events) == 0 {
		return events, nil
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	attached, err := s.store.AttachedEventIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check attached dispensations")
	}
	kept := events[:0]
	for _, ev := range events {
		if !attached[ev.ID] {
			kept = append(kept, ev)
		}
	}
	return kept, nil
}

// Compile serializes a draft, stores payload and checksum and marks the covered
// dispensations reported in the prescription source.
func (s *Service) Compile(ctx context.Context, tenantID domain.TenantID, id domain.ReportID) (*models.RegulatoryReport, error) {
	ctx, span := tracer.Start(ctx, "report.Compile")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("report_id", id.String()),
	)

	start := time.Now()
	compiled, err := s.compile(ctx, tenantID, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		if s.metrics != nil {
			s.metrics.IncCompileFailure(string(dErrors.CodeOf(err)))
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("item_count", compiled.ItemCount))

	s.logger.InfoContext(ctx, string(audit.EventReportCompiled),
		"tenant_id", tenantID,
		"report_id", id,
		"period", compiled.Period.String(),
		"item_count", compiled.ItemCount,
		"checksum", compiled.Checksum,
	)
	if s.metrics != nil {
		s.metrics.IncCompiled(compiled.ItemCount)
		s.metrics.ObserveCompile(start)
	}
	return compiled, nil
}

func (s *Service) compile(ctx context.Context, tenantID domain.TenantID, id domain.ReportID) (*models.RegulatoryReport, error) {
	current, err := s.GetReport(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := current.CanCompile(); err != nil {
		return nil, err
	}
	result, err := compiler.Compile(current)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to serialize report")
	}

	var compiled *models.RegulatoryReport
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		var err error
		compiled, err = s.store.Execute(ctx, tenantID, id,
			func(r *models.RegulatoryReport) error {
				return r.CanCompile()
			},
			func(r *models.RegulatoryReport) {
				r.ApplyCompiled(result.Payload, result.Checksum, now)
			},
		)
		if err != nil {
			return wrapReportErr(err, "failed to store compiled report")
		}
		if err := s.source.MarkReported(ctx, tenantID, id, compiled.EventIDs()); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to mark dispensations reported")
		}
		return s.emit(ctx, audit.ComplianceEvent{
			TenantID: tenantID,
			Subject:  audit.Subject("report", id),
			Action:   audit.EventReportCompiled,
			Detail:   fmt.Sprintf("period=%s items=%d checksum=%s", compiled.Period, compiled.ItemCount, compiled.Checksum),
			ActorID:  compiled.CreatedBy,
		})
	})
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

func (s *Service) GetReport(ctx context.Context, tenantID domain.TenantID, id domain.ReportID) (*models.RegulatoryReport, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	r, err := s.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, wrapReportErr(err, "failed to load report")
	}
	return r, nil
}

// GetReportByPeriod returns the tenant's report for period.
func (s *Service) GetReportByPeriod(ctx context.Context, tenantID domain.TenantID, period domain.Period) (*models.RegulatoryReport, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	r, err := s.store.FindByPeriod(ctx, tenantID, period)
	if err != nil {
		return nil, wrapReportErr(err, "failed to load report")
	}
	return r, nil
}

// ListReports returns the tenant's reports ordered by period.
func (s *Service) ListReports(ctx context.Context, tenantID domain.TenantID) ([]*models.RegulatoryReport, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	reports, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, wrapReportErr(err, "failed to list reports")
	}
	return reports, nil
}

func (s *Service) emit(ctx context.Context, event audit.ComplianceEvent) error {
	if s.auditPublisher == nil {
		return nil
	}
	return s.auditPublisher.Emit(ctx, event)
}

func duplicate(period domain.Period) error {
	return dErrors.Newf(dErrors.CodeDuplicateReport, "a report for %s already exists", period)
}

func requireTenant(tenantID domain.TenantID) error {
	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "tenant is required")
	}
	return nil
}

func wrapReportErr(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "report not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
