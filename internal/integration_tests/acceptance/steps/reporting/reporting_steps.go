package reporting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cucumber/godog"

	compliancemodels "rxledger/internal/compliance/models"
	reportmodels "rxledger/internal/report/models"
	reportservice "rxledger/internal/report/service"
	transmissionservice "rxledger/internal/transmission/service"
	"rxledger/pkg/domain"
)

const operator = "pharmacist@acceptance"

// TestContext is the part of the scenario world these steps use.
type TestContext interface {
	Tenant() domain.TenantID
	Reports() *reportservice.Service
	Transmission() *transmissionservice.Service
	Report() *reportmodels.RegulatoryReport
	SetReport(r *reportmodels.RegulatoryReport)
	SetLastError(err error)
	SetAuthorityRejecting(rejecting bool)
	Scan(ctx context.Context) error
	Alerts() []compliancemodels.Alert
}

// RegisterSteps registers report, transmission and compliance alert steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &reportingSteps{tc: tc}

	// Reports
	ctx.Step(`^the report for "(\d{4}-\d{2})" is created$`, steps.createReport)
	ctx.Step(`^the report is compiled$`, steps.compile)
	ctx.Step(`^the report lists (\d+) dispensations?$`, steps.listsEvents)
	ctx.Step(`^the report status is "([^"]*)"$`, steps.statusIs)
	ctx.Step(`^the report carries a protocol code$`, steps.hasProtocol)

	// Transmission
	ctx.Step(`^the authority (accepts|rejects) submissions$`, steps.authority)
	ctx.Step(`^the report is transmitted$`, steps.transmit)
	ctx.Step(`^(\d+) transmission attempts? (?:is|are) recorded$`, steps.attemptsRecorded)

	// Compliance
	ctx.Step(`^the compliance scan runs$`, steps.scan)
	ctx.Step(`^an? "([^"]*)" alert with severity "([^"]*)" is raised$`, steps.alertRaised)
	ctx.Step(`^no alerts are raised$`, steps.noAlerts)
}

type reportingSteps struct {
	tc TestContext
}

var errNoReport = errors.New("no report in this scenario")

func (s *reportingSteps) current(ctx context.Context) (*reportmodels.RegulatoryReport, error) {
	r := s.tc.Report()
	if r == nil {
		return nil, errNoReport
	}
	fresh, err := s.tc.Reports().GetReport(ctx, s.tc.Tenant(), r.ID)
	if err != nil {
		return nil, err
	}
	s.tc.SetReport(fresh)
	return fresh, nil
}

func (s *reportingSteps) createReport(ctx context.Context, period string) error {
	p, err := domain.ParsePeriod(period)
	if err != nil {
		return err
	}
	report, err := s.tc.Reports().CreateReport(ctx, s.tc.Tenant(), p, operator)
	s.tc.SetLastError(err)
	if err == nil {
		s.tc.SetReport(report)
	}
	return nil
}

func (s *reportingSteps) compile(ctx context.Context) error {
	r := s.tc.Report()
	if r == nil {
		return errNoReport
	}
	compiled, err := s.tc.Reports().Compile(ctx, s.tc.Tenant(), r.ID)
	s.tc.SetLastError(err)
	if err == nil {
		s.tc.SetReport(compiled)
	}
	return nil
}

func (s *reportingSteps) listsEvents(ctx context.Context, want int) error {
	r, err := s.current(ctx)
	if err != nil {
		return err
	}
	if len(r.Events) != want {
		return fmt.Errorf("expected %d dispensations, got %d", want, len(r.Events))
	}
	return nil
}

func (s *reportingSteps) statusIs(ctx context.Context, want string) error {
	r, err := s.current(ctx)
	if err != nil {
		return err
	}
	if string(r.Status) != want {
		return fmt.Errorf("expected report %s, got %s", want, r.Status)
	}
	return nil
}

func (s *reportingSteps) hasProtocol(ctx context.Context) error {
	r, err := s.current(ctx)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(r.ProtocolCode, "PRT-") {
		return fmt.Errorf("expected a protocol code, got %q", r.ProtocolCode)
	}
	return nil
}

func (s *reportingSteps) authority(_ context.Context, mode string) error {
	s.tc.SetAuthorityRejecting(mode == "rejects")
	return nil
}

func (s *reportingSteps) transmit(ctx context.Context) error {
	r := s.tc.Report()
	if r == nil {
		return errNoReport
	}
	_, err := s.tc.Transmission().Transmit(ctx, s.tc.Tenant(), r.ID)
	s.tc.SetLastError(err)
	return nil
}

func (s *reportingSteps) attemptsRecorded(ctx context.Context, want int) error {
	r := s.tc.Report()
	if r == nil {
		return errNoReport
	}
	attempts, err := s.tc.Transmission().ListTransmissions(ctx, s.tc.Tenant(), r.ID)
	if err != nil {
		return err
	}
	if len(attempts) != want {
		return fmt.Errorf("expected %d transmission attempts, got %d", want, len(attempts))
	}
	return nil
}

func (s *reportingSteps) scan(ctx context.Context) error {
	return s.tc.Scan(ctx)
}

func (s *reportingSteps) alertRaised(_ context.Context, kind, severity string) error {
	var seen []string
	for _, a := range s.tc.Alerts() {
		if string(a.Kind) == kind && string(a.Severity) == severity {
			return nil
		}
		seen = append(seen, fmt.Sprintf("%s/%s", a.Kind, a.Severity))
	}
	return fmt.Errorf("no %s alert with severity %s among %v", kind, severity, seen)
}

func (s *reportingSteps) noAlerts(context.Context) error {
	if alerts := s.tc.Alerts(); len(alerts) > 0 {
		return fmt.Errorf("expected no alerts, got %d: first %q", len(alerts), alerts[0].Message)
	}
	return nil
}
