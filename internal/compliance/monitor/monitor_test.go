package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	balancemodels "rxledger/internal/balance/models"
	"rxledger/internal/compliance/models"
	ledgermodels "rxledger/internal/ledger/models"
	reportmodels "rxledger/internal/report/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/clock"
)

type stubLedger struct {
	entries []*ledgermodels.LedgerEntry
	err     error
}

func (l *stubLedger) QueryAll(_ context.Context, _ domain.TenantID, from, to time.Time) ([]*ledgermodels.LedgerEntry, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []*ledgermodels.LedgerEntry
	for _, e := range l.entries {
		if !e.TransactionAt.Before(from) && e.TransactionAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *stubLedger) FirstActivity(context.Context, domain.TenantID) (time.Time, bool, error) {
	if l.err != nil {
		return time.Time{}, false, l.err
	}
	var first time.Time
	for _, e := range l.entries {
		if first.IsZero() || e.TransactionAt.Before(first) {
			first = e.TransactionAt
		}
	}
	return first, !first.IsZero(), nil
}

type stubBalances struct {
	all     []*balancemodels.MonthlyBalance
	overdue []*balancemodels.MonthlyBalance
}

func (b *stubBalances) ListAllBalances(context.Context, domain.TenantID) ([]*balancemodels.MonthlyBalance, error) {
	return b.all, nil
}

func (b *stubBalances) GetOverdueBalances(context.Context, domain.TenantID) ([]*balancemodels.MonthlyBalance, error) {
	return b.overdue, nil
}

type stubReports struct {
	reports []*reportmodels.RegulatoryReport
}

func (r *stubReports) ListReports(context.Context, domain.TenantID) ([]*reportmodels.RegulatoryReport, error) {
	return r.reports, nil
}

var (
	morphine  = domain.Medication{ID: "MED-MORPHINE-10", Name: "Morphine 10mg"}
	fentanyl  = domain.Medication{ID: "MED-FENTANYL-50", Name: "Fentanyl 50mcg"}
	oxycodone = domain.Medication{ID: "MED-OXYCODONE-5", Name: "Oxycodone 5mg"}
	codeine   = domain.Medication{ID: "MED-CODEINE-30", Name: "Codeine 30mg"}
)

func entry(med domain.Medication, dir ledgermodels.Direction, qty string, at time.Time) *ledgermodels.LedgerEntry {
	return &ledgermodels.LedgerEntry{
		ID:            domain.NewEntryID(),
		Medication:    med,
		Direction:     dir,
		Quantity:      decimal.RequireFromString(qty),
		Unit:          "tablet",
		TransactionAt: at,
		Origin:        ledgermodels.OriginManualStockEntry,
	}
}

func report(period domain.Period, status reportmodels.Status) *reportmodels.RegulatoryReport {
	r := reportmodels.NewReport(domain.NewTenantID(), period, nil, "pharmacist@clinic", period.Start())
	r.Status = status
	return r
}

type MonitorSuite struct {
	suite.Suite
	ctx      context.Context
	tenant   domain.TenantID
	clock    *clock.Fake
	ledger   *stubLedger
	balances *stubBalances
	reports  *stubReports
	monitor  *Monitor
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func (s *MonitorSuite) SetupTest() {
	s.ctx = context.Background()
	s.tenant = domain.NewTenantID()
	s.clock = clock.NewFake(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	s.ledger = &stubLedger{}
	s.balances = &stubBalances{}
	s.reports = &stubReports{}
	s.monitor = New(s.ledger, s.balances, s.reports, Config{}, WithClock(s.clock))
}

func (s *MonitorSuite) TestApproachingDeadlines() {
	s.ledger.entries = []*ledgermodels.LedgerEntry{
		entry(morphine, ledgermodels.DirectionIn, "100", time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)),
	}
	now := time.Date(2026, time.February, 12, 10, 0, 0, 0, time.UTC)

	s.Run("untransmitted period inside the window", func() {
		alerts, err := s.monitor.CheckApproachingDeadlines(s.ctx, s.tenant, now, 5)
		s.Require().NoError(err)
		s.Require().Len(alerts, 1)
		s.Equal(models.KindDeadlineApproaching, alerts[0].Kind)
		s.Equal(models.SeverityMedium, alerts[0].Severity)
		s.Equal("period:2026-01", alerts[0].Entity.String())
		s.Require().NotNil(alerts[0].Value)
		s.InDelta(3.0, *alerts[0].Value, 0.001)
	})

	s.Run("deadline outside the window", func() {
		alerts, err := s.monitor.CheckApproachingDeadlines(s.ctx, s.tenant, now, 1)
		s.Require().NoError(err)
		s.Empty(alerts)
	})

	s.Run("last day before the deadline is high", func() {
		alerts, err := s.monitor.CheckApproachingDeadlines(s.ctx, s.tenant, now.Add(60*time.Hour), 5)
		s.Require().NoError(err)
		s.Require().Len(alerts, 1)
		s.Equal(models.SeverityHigh, alerts[0].Severity)
	})

	s.Run("transmitted report is not flagged", func() {
		s.reports.reports = []*reportmodels.RegulatoryReport{report(domain.Period{Year: 2026, Month: time.January}, reportmodels.StatusTransmitted)}
		defer func() { s.reports.reports = nil }()

		alerts, err := s.monitor.CheckApproachingDeadlines(s.ctx, s.tenant, now, 5)
		s.Require().NoError(err)
		s.Empty(alerts)
	})
}

func (s *MonitorSuite) TestOverdueReports() {
	s.ledger.entries = []*ledgermodels.LedgerEntry{
		entry(morphine, ledgermodels.DirectionIn, "100", time.Date(2026, time.January, 3, 9, 0, 0, 0, time.UTC)),
	}
	s.reports.reports = []*reportmodels.RegulatoryReport{
		report(domain.Period{Year: 2026, Month: time.January}, reportmodels.StatusFailed),
		report(domain.Period{Year: 2026, Month: time.February}, reportmodels.StatusTransmitted),
	}
	now := time.Date(2026, time.April, 20, 12, 0, 0, 0, time.UTC)

	alerts, err := s.monitor.CheckOverdueReports(s.ctx, s.tenant, now)
	s.Require().NoError(err)
	s.Require().Len(alerts, 2)

	s.Equal("period:2026-01", alerts[0].Entity.String())
	s.Equal("2026-01", alerts[0].Period)
	s.Equal(models.SeverityCritical, alerts[0].Severity)
	s.Contains(alerts[0].Message, "report failed")

	s.Equal("period:2026-03", alerts[1].Entity.String())
	s.Equal(models.SeverityHigh, alerts[1].Severity)
	s.Contains(alerts[1].Message, "no report")
	s.Require().NotNil(alerts[1].Value)
	s.InDelta(5.0, *alerts[1].Value, 0.001)
}

func (s *MonitorSuite) TestOverdueReportsRespectsLookback() {
	s.monitor = New(s.ledger, s.balances, s.reports, Config{LookbackMonths: 2}, WithClock(s.clock))
	s.ledger.entries = []*ledgermodels.LedgerEntry{
		entry(morphine, ledgermodels.DirectionIn, "100", time.Date(2025, time.June, 3, 9, 0, 0, 0, time.UTC)),
	}

	alerts, err := s.monitor.CheckOverdueReports(s.ctx, s.tenant, s.clock.Now())
	s.Require().NoError(err)
	// January only: February's deadline is still ahead on March 10.
	s.Require().Len(alerts, 1)
	s.Equal("period:2026-01", alerts[0].Entity.String())
}

func (s *MonitorSuite) TestNoActivityNoAlerts() {
	alerts, err := s.monitor.CheckOverdueReports(s.ctx, s.tenant, s.clock.Now())
	s.Require().NoError(err)
	s.Empty(alerts)

	alerts, err = s.monitor.ValidateCompliance(s.ctx, s.tenant)
	s.Require().NoError(err)
	s.Empty(alerts)
}

func (s *MonitorSuite) TestReaderErrorsPropagate() {
	s.ledger.err = errors.New("connection reset")
	_, err := s.monitor.CheckOverdueReports(s.ctx, s.tenant, s.clock.Now())
	s.Error(err)
}

func (s *MonitorSuite) TestValidateCompliance() {
	jan := domain.Period{Year: 2026, Month: time.January}
	closedAt := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)

	discrepant := balancemodels.NewMonthlyBalance(s.tenant, morphine, jan, balancemodels.Calculation{In: decimal.NewFromInt(50)}, closedAt)
	discrepant.ApplyPhysicalCount(decimal.NewFromInt(48), "two tablets broken")
	discrepant.ApplyClose("pharmacist@clinic", closedAt)

	uncounted := balancemodels.NewMonthlyBalance(s.tenant, fentanyl, jan, balancemodels.Calculation{In: decimal.NewFromInt(10)}, closedAt)
	uncounted.ApplyClose("pharmacist@clinic", closedAt)

	clean := balancemodels.NewMonthlyBalance(s.tenant, oxycodone, jan, balancemodels.Calculation{In: decimal.NewFromInt(5)}, closedAt)
	clean.ApplyPhysicalCount(decimal.NewFromInt(5), "")
	clean.ApplyClose("pharmacist@clinic", closedAt)

	s.balances.all = []*balancemodels.MonthlyBalance{discrepant, uncounted, clean}
	s.ledger.entries = []*ledgermodels.LedgerEntry{
		entry(morphine, ledgermodels.DirectionIn, "50", time.Date(2026, time.January, 4, 9, 0, 0, 0, time.UTC)),
		entry(codeine, ledgermodels.DirectionIn, "20", time.Date(2026, time.February, 4, 9, 0, 0, 0, time.UTC)),
		entry(codeine, ledgermodels.DirectionOut, "5", time.Date(2026, time.February, 6, 9, 0, 0, 0, time.UTC)),
	}

	alerts, err := s.monitor.ValidateCompliance(s.ctx, s.tenant)
	s.Require().NoError(err)
	s.Require().Len(alerts, 3)

	s.Equal(models.SeverityHigh, alerts[0].Severity)
	s.Equal(models.EntityBalance, alerts[0].Entity.Type)
	s.Contains(alerts[0].Message, "discrepancy -2")
	s.Require().NotNil(alerts[0].Value)
	s.InDelta(-2.0, *alerts[0].Value, 0.001)

	s.Equal(models.SeverityMedium, alerts[1].Severity)
	s.Contains(alerts[1].Message, "without a physical count")

	s.Equal(models.SeverityMedium, alerts[2].Severity)
	s.Equal("medication:"+codeine.ID, alerts[2].Entity.String())
	s.Contains(alerts[2].Message, "2026-02")

	for _, a := range alerts {
		s.Equal(models.KindComplianceViolation, a.Kind)
	}
}

func (s *MonitorSuite) TestOverdueBalances() {
	open := balancemodels.NewMonthlyBalance(s.tenant, morphine, domain.Period{Year: 2026, Month: time.January}, balancemodels.Calculation{}, s.clock.Now())
	s.balances.overdue = []*balancemodels.MonthlyBalance{open}

	alerts, err := s.monitor.CheckOverdueBalances(s.ctx, s.tenant)
	s.Require().NoError(err)
	s.Require().Len(alerts, 1)
	s.Equal(models.KindOverdue, alerts[0].Kind)
	s.Equal(models.SeverityMedium, alerts[0].Severity)
	s.Equal(models.EntityBalance, alerts[0].Entity.Type)
}

func TestDetectAnomalies(t *testing.T) {
	const week = 7 * 24 * time.Hour
	to := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	from := to.Add(-week)
	start := from.Add(-6 * week)
	at := func(window int) time.Time { return start.Add(time.Duration(window)*week + time.Hour) }

	var entries []*ledgermodels.LedgerEntry
	addSeries := func(med domain.Medication, firstWindow int, outs ...string) {
		for i, q := range outs {
			entries = append(entries, entry(med, ledgermodels.DirectionOut, q, at(firstWindow+i)))
		}
	}
	// six baseline windows then the target window
	addSeries(morphine, 0, "10", "12", "8", "10", "11", "9", "30")
	addSeries(fentanyl, 0, "10", "12", "8", "10", "11", "9", "10")
	addSeries(codeine, 0, "5", "5", "5", "5", "5", "5", "6")
	// only two baseline windows
	addSeries(oxycodone, 4, "1", "1", "40")
	// receipts do not count as outbound volume
	entries = append(entries, entry(fentanyl, ledgermodels.DirectionIn, "500", at(6)))

	m := New(&stubLedger{entries: entries}, &stubBalances{}, &stubReports{}, Config{},
		WithClock(clock.NewFake(to)))

	alerts, err := m.DetectAnomalies(context.Background(), domain.NewTenantID(), from, to)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	byMed := map[string]models.Alert{}
	for _, a := range alerts {
		assert.Equal(t, models.KindAnomaly, a.Kind)
		byMed[a.Entity.ID] = a
	}

	spike, ok := byMed[morphine.ID]
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, spike.Severity)
	require.NotNil(t, spike.Value)
	assert.Greater(t, *spike.Value, 4.0)

	flat, ok := byMed[codeine.ID]
	require.True(t, ok)
	assert.Equal(t, models.SeverityHigh, flat.Severity)
	assert.Nil(t, flat.Value)
}

func TestDetectAnomaliesEmptyWindow(t *testing.T) {
	m := New(&stubLedger{}, &stubBalances{}, &stubReports{}, Config{})
	now := time.Now()

	alerts, err := m.DetectAnomalies(context.Background(), domain.NewTenantID(), now, now)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestAnomalySeverityBands(t *testing.T) {
	cases := []struct {
		z    float64
		want models.Severity
		ok   bool
	}{
		{1.9, "", false},
		{2.0, models.SeverityMedium, true},
		{-3.1, models.SeverityHigh, true},
		{4.0, models.SeverityCritical, true},
	}
	for _, tc := range cases {
		got, ok := anomalySeverity(tc.z, 2.0)
		assert.Equal(t, tc.ok, ok, "z=%v", tc.z)
		assert.Equal(t, tc.want, got, "z=%v", tc.z)
	}
}
