package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"

	tenantservice "rxledger/internal/tenant/service"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

// TestContext is the part of the scenario world these steps use.
type TestContext interface {
	SetNow(t time.Time)
	Tenants() *tenantservice.Service
	SetTenant(id domain.TenantID)
	LastError() error
}

// RegisterSteps registers clock, tenant and outcome steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^today is "(\d{4}-\d{2}-\d{2})"$`, steps.todayIs)
	ctx.Step(`^a pharmacy named "([^"]*)"$`, steps.pharmacyNamed)

	ctx.Step(`^the operation succeeds$`, steps.operationSucceeds)
	ctx.Step(`^the operation fails with "([^"]*)"$`, steps.operationFailsWith)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) todayIs(_ context.Context, date string) error {
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return err
	}
	s.tc.SetNow(day.Add(9 * time.Hour))
	return nil
}

func (s *commonSteps) pharmacyNamed(ctx context.Context, name string) error {
	tenant, err := s.tc.Tenants().CreateTenant(ctx, name)
	if err != nil {
		return err
	}
	s.tc.SetTenant(tenant.ID)
	return nil
}

func (s *commonSteps) operationSucceeds(context.Context) error {
	if err := s.tc.LastError(); err != nil {
		return fmt.Errorf("expected success, got %w", err)
	}
	return nil
}

func (s *commonSteps) operationFailsWith(_ context.Context, code string) error {
	err := s.tc.LastError()
	if err == nil {
		return fmt.Errorf("expected failure with %s, got success", code)
	}
	if got := dErrors.CodeOf(err); got != dErrors.Code(code) {
		return fmt.Errorf("expected code %s, got %s: %w", code, got, err)
	}
	return nil
}
