// Package service manages the clinic tenant registry.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	tenantmetrics "rxledger/internal/tenant/metrics"
	"rxledger/internal/tenant/models"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/platform/tx"
)

type Store interface {
	CreateIfNameAvailable(ctx context.Context, t *models.Tenant) error
	FindByID(ctx context.Context, id domain.TenantID) (*models.Tenant, error)
	FindByName(ctx context.Context, name string) (*models.Tenant, error)
	Execute(ctx context.Context, id domain.TenantID, validate func(*models.Tenant) error, mutate func(*models.Tenant)) (*models.Tenant, error)
	ListActive(ctx context.Context) ([]*models.Tenant, error)
}

type Service struct {
	tenants Store
	tx      tx.Runner
	clock   clock.Clock
	logger  *slog.Logger
	metrics *tenantmetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *tenantmetrics.Metrics) Option {
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

func New(tenants Store, opts ...Option) *Service {
	s := &Service{
		tenants: tenants,
		tx:      tx.Memory{},
		clock:   clock.System{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateTenant(ctx context.Context, name string) (*models.Tenant, error) {
	t, err := models.NewTenant(domain.NewTenantID(), name, s.clock.Now())
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		return s.tenants.CreateIfNameAvailable(txCtx, t)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "tenant name must be unique")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create tenant")
	}

	s.logger.InfoContext(ctx, "tenant created", "tenant_id", t.ID, "name", t.Name)
	if s.metrics != nil {
		s.metrics.IncrementTenantCreated()
	}
	return t, nil
}

func (s *Service) GetTenant(ctx context.Context, tenantID domain.TenantID) (*models.Tenant, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant ID required")
	}
	t, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return t, nil
}

// GetTenantByName looks a tenant up case-insensitively.
func (s *Service) GetTenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant name is required")
	}
	t, err := s.tenants.FindByName(ctx, name)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return t, nil
}

// DeactivateTenant removes the tenant from scheduled scans. Its ledger is kept.
func (s *Service) DeactivateTenant(ctx context.Context, tenantID domain.TenantID) (*models.Tenant, error) {
	now := s.clock.Now()
	t, err := s.tenants.Execute(ctx, tenantID,
		func(t *models.Tenant) error { return t.CanDeactivate() },
		func(t *models.Tenant) { t.ApplyDeactivation(now) },
	)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	s.transitioned(ctx, t)
	return t, nil
}

func (s *Service) ReactivateTenant(ctx context.Context, tenantID domain.TenantID) (*models.Tenant, error) {
	now := s.clock.Now()
	t, err := s.tenants.Execute(ctx, tenantID,
		func(t *models.Tenant) error { return t.CanReactivate() },
		func(t *models.Tenant) { t.ApplyReactivation(now) },
	)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	s.transitioned(ctx, t)
	return t, nil
}

// ListActive returns the tenants the compliance scanner visits.
func (s *Service) ListActive(ctx context.Context) ([]*models.Tenant, error) {
	ts, err := s.tenants.ListActive(ctx)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return ts, nil
}

func (s *Service) transitioned(ctx context.Context, t *models.Tenant) {
	s.logger.InfoContext(ctx, "tenant status changed", "tenant_id", t.ID, "status", t.Status)
	if s.metrics != nil {
		s.metrics.IncrementTransition(string(t.Status))
	}
}

func wrapTenantErr(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		if de.Code == dErrors.CodeInvariantViolation {
			return dErrors.New(dErrors.CodeConflict, de.Message)
		}
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "tenant not found")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "tenant store failure")
	}
}
