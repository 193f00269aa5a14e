package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"rxledger/internal/report/compiler"
	"rxledger/internal/report/models"
	"rxledger/internal/report/source"
	"rxledger/internal/report/store"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/audit/publishers/compliance"
	auditmemory "rxledger/pkg/platform/audit/store/memory"
	"rxledger/pkg/platform/clock"
)

var (
	january  = domain.Period{Year: 2026, Month: time.January}
	february = domain.Period{Year: 2026, Month: time.February}
)

type failingSource struct {
	*source.InMemory
	markErr error
}

func (f *failingSource) MarkReported(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID, ids []string) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.InMemory.MarkReported(ctx, tenantID, reportID, ids)
}

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	tenant  domain.TenantID
	store   *store.InMemory
	source  *failingSource
	audits  *auditmemory.InMemoryStore
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.tenant = domain.NewTenantID()
	s.store = store.NewInMemory()
	s.source = &failingSource{InMemory: source.NewInMemory()}
	s.audits = auditmemory.NewInMemoryStore()
	s.service = New(s.store, s.source,
		WithClock(clock.NewFake(time.Date(2026, time.February, 2, 8, 0, 0, 0, time.UTC))),
		WithAuditPublisher(compliance.New(s.audits)),
	)
}

func dispensation(id string, at time.Time) domain.DispensationEvent {
	return domain.DispensationEvent{
		ID:                 id,
		PrescriptionItemID: "item-" + id,
		Medication:         domain.Medication{ID: "MED-MORPHINE-10", Name: "Morphine 10mg"},
		Quantity:           decimal.NewFromInt(2),
		Unit:               "tablet",
		Prescriber:         domain.Prescriber{Name: "Dr. Lima", License: "CRM-1"},
		Patient:            domain.Patient{Name: "P. Silva", Document: "999"},
		DispensedAt:        at,
	}
}

func jan(d, h int) time.Time {
	return time.Date(2026, time.January, d, h, 0, 0, 0, time.UTC)
}

func (s *ServiceSuite) TestCreateReport() {
	s.source.Add(s.tenant,
		dispensation("b", jan(10, 9)),
		dispensation("a", jan(10, 9)),
		dispensation("c", jan(2, 9)),
		dispensation("feb", time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)),
	)

	s.Run("snapshots the period's events ordered by dispensed-at then id", func() {
		report, err := s.service.CreateReport(s.ctx, s.tenant, january, "compliance@clinic")
		s.Require().NoError(err)
		s.Equal(models.StatusDraft, report.Status)
		s.Equal([]string{"c", "a", "b"}, report.EventIDs())
		s.Nil(report.Payload)
		s.Len(s.audits.ListByAction(s.ctx, s.tenant, audit.EventReportCreated), 1)
	})

	s.Run("second report for the period is a duplicate and leaves the original unchanged", func() {
		original, err := s.store.FindByPeriod(s.ctx, s.tenant, january)
		s.Require().NoError(err)

		_, err = s.service.CreateReport(s.ctx, s.tenant, january, "compliance@clinic")
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicateReport))

		after, err := s.store.FindByPeriod(s.ctx, s.tenant, january)
		s.Require().NoError(err)
		s.Equal(original, after)
	})

	s.Run("rejects missing tenant and invalid period", func() {
		_, err := s.service.CreateReport(s.ctx, domain.TenantID{}, january, "x")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		_, err = s.service.CreateReport(s.ctx, s.tenant, domain.Period{Year: 2026}, "x")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestCreateReportDropsEventsAttachedElsewhere() {
	s.source.Add(s.tenant, dispensation("shared", jan(5, 9)), dispensation("own", jan(6, 9)))

	// An older report already covers "shared" but the source never got the mark.
	other := models.NewReport(s.tenant, domain.Period{Year: 2025, Month: time.December},
		[]domain.DispensationEvent{dispensation("shared", jan(5, 9))}, "legacy", jan(1, 0))
	s.Require().NoError(s.store.Create(s.ctx, other))

	report, err := s.service.CreateReport(s.ctx, s.tenant, january, "compliance@clinic")
	s.Require().NoError(err)
	s.Equal([]string{"own"}, report.EventIDs())
}

func (s *ServiceSuite) TestEmptyReport() {
	report, err := s.service.CreateReport(s.ctx, s.tenant, february, "compliance@clinic")
	s.Require().NoError(err)
	s.Empty(report.Events)

	_, err = s.service.Compile(s.ctx, s.tenant, report.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeEmptyReport))

	stored, err := s.service.GetReport(s.ctx, s.tenant, report.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDraft, stored.Status)
}

func (s *ServiceSuite) TestCompile() {
	s.source.Add(s.tenant, dispensation("a", jan(3, 9)), dispensation("b", jan(4, 9)))
	report, err := s.service.CreateReport(s.ctx, s.tenant, january, "compliance@clinic")
	s.Require().NoError(err)

	s.Run("stores payload, checksum and item count and marks events reported", func() {
		compiled, err := s.service.Compile(s.ctx, s.tenant, report.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusCompiled, compiled.Status)
		s.Equal(2, compiled.ItemCount)
		s.NotEmpty(compiled.Payload)
		s.Equal(compiler.Checksum(compiled.Payload), compiled.Checksum)
		s.NotNil(compiled.CompiledAt)

		reportedIn, ok := s.source.ReportedIn(s.tenant, "a")
		s.True(ok)
		s.Equal(report.ID, reportedIn)

		unreported, err := s.source.ListUnreportedDispensations(s.ctx, s.tenant, january.Start(), january.End())
		s.Require().NoError(err)
		s.Empty(unreported)
		s.Len(s.audits.ListByAction(s.ctx, s.tenant, audit.EventReportCompiled), 1)
	})

	s.Run("compiling twice is an invalid state", func() {
		_, err := s.service.Compile(s.ctx, s.tenant, report.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("unknown report", func() {
		_, err := s.service.Compile(s.ctx, s.tenant, domain.NewReportID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestCompileSourceFailure() {
	s.source.Add(s.tenant, dispensation("a", jan(3, 9)))
	report, err := s.service.CreateReport(s.ctx, s.tenant, january, "compliance@clinic")
	s.Require().NoError(err)

	s.source.markErr = errors.New("prescription db down")
	_, err = s.service.Compile(s.ctx, s.tenant, report.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	s.Run("the report rolls back to draft", func() {
		stored, err := s.service.GetReport(s.ctx, s.tenant, report.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusDraft, stored.Status)
		s.Empty(stored.Payload)
		s.Empty(s.audits.ListByAction(s.ctx, s.tenant, audit.EventReportCompiled))
	})

	s.Run("compiling again succeeds once the source recovers", func() {
		s.source.markErr = nil
		compiled, err := s.service.Compile(s.ctx, s.tenant, report.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusCompiled, compiled.Status)

		reportedIn, ok := s.source.ReportedIn(s.tenant, "a")
		s.Require().True(ok)
		s.Equal(report.ID, reportedIn)
	})
}

func (s *ServiceSuite) TestListReports() {
	_, err := s.service.CreateReport(s.ctx, s.tenant, february, "x")
	s.Require().NoError(err)
	_, err = s.service.CreateReport(s.ctx, s.tenant, january, "x")
	s.Require().NoError(err)
	_, err = s.service.CreateReport(s.ctx, domain.NewTenantID(), january, "x")
	s.Require().NoError(err)

	reports, err := s.service.ListReports(s.ctx, s.tenant)
	s.Require().NoError(err)
	s.Require().Len(reports, 2)
	s.Equal(january, reports[0].Period)
	s.Equal(february, reports[1].Period)

	byPeriod, err := s.service.GetReportByPeriod(s.ctx, s.tenant, february)
	s.Require().NoError(err)
	s.Equal(reports[1].ID, byPeriod.ID)
}
