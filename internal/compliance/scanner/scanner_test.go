package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"rxledger/internal/compliance/mocks"
	"rxledger/internal/compliance/models"
	tenantmodels "rxledger/internal/tenant/models"
	tenantstore "rxledger/internal/tenant/store"
	"rxledger/pkg/domain"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/clock"
)

type stubMonitor struct {
	mu      sync.Mutex
	alerts  map[domain.TenantID][]models.Alert
	failing map[domain.TenantID]error
	windows []time.Duration
}

func (m *stubMonitor) CheckApproachingDeadlines(context.Context, domain.TenantID, time.Time, int) ([]models.Alert, error) {
	return nil, nil
}

func (m *stubMonitor) CheckOverdueReports(context.Context, domain.TenantID, time.Time) ([]models.Alert, error) {
	return nil, nil
}

func (m *stubMonitor) CheckOverdueBalances(context.Context, domain.TenantID) ([]models.Alert, error) {
	return nil, nil
}

func (m *stubMonitor) ValidateCompliance(_ context.Context, tenantID domain.TenantID) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing[tenantID]; err != nil {
		return nil, err
	}
	return m.alerts[tenantID], nil
}

func (m *stubMonitor) DetectAnomalies(_ context.Context, _ domain.TenantID, from, to time.Time) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = append(m.windows, to.Sub(from))
	return nil, nil
}

type recordingTracker struct {
	mu     sync.Mutex
	events []audit.OpsEvent
}

func (r *recordingTracker) Track(_ context.Context, e audit.OpsEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type ScannerSuite struct {
	suite.Suite
	ctx     context.Context
	ctrl    *gomock.Controller
	sink    *mocks.MockAlertSink
	expirer *mocks.MockStaleExpirer
	clock   *clock.Fake
	tenants *tenantstore.InMemory
	monitor *stubMonitor
	ops     *recordingTracker
	scanner *Scanner
	alpha   *tenantmodels.Tenant
	beta    *tenantmodels.Tenant
}

func TestScannerSuite(t *testing.T) {
	suite.Run(t, new(ScannerSuite))
}

func (s *ScannerSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.sink = mocks.NewMockAlertSink(s.ctrl)
	s.expirer = mocks.NewMockStaleExpirer(s.ctrl)
	s.clock = clock.NewFake(time.Date(2026, time.March, 20, 6, 0, 0, 0, time.UTC))
	s.tenants = tenantstore.NewInMemory()
	s.ops = &recordingTracker{}

	s.alpha = s.addTenant("Alpha Clinic")
	s.beta = s.addTenant("Beta Clinic")
	closed := s.addTenant("Closed Clinic")
	_, err := s.tenants.Execute(s.ctx, closed.ID,
		func(t *tenantmodels.Tenant) error { return t.CanDeactivate() },
		func(t *tenantmodels.Tenant) { t.ApplyDeactivation(s.clock.Now()) },
	)
	s.Require().NoError(err)

	s.monitor = &stubMonitor{
		alerts: map[domain.TenantID][]models.Alert{
			s.alpha.ID: {s.alert(s.alpha.ID, "balance:a1")},
			s.beta.ID:  {s.alert(s.beta.ID, "balance:b1"), s.alert(s.beta.ID, "balance:b2")},
		},
		failing: map[domain.TenantID]error{},
	}
	s.scanner = s.newScanner(Config{StaleAfter: 5 * time.Minute, AnomalyWindow: 7 * 24 * time.Hour})
}

func (s *ScannerSuite) newScanner(cfg Config) *Scanner {
	return New(s.monitor, s.tenants, s.sink, cfg,
		WithClock(s.clock),
		WithStaleExpirer(s.expirer),
		WithOpsTracker(s.ops),
	)
}

func (s *ScannerSuite) addTenant(name string) *tenantmodels.Tenant {
	t, err := tenantmodels.NewTenant(domain.NewTenantID(), name, s.clock.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.tenants.CreateIfNameAvailable(s.ctx, t))
	return t
}

func (s *ScannerSuite) alert(tenant domain.TenantID, entity string) models.Alert {
	return models.Alert{
		Kind:       models.KindComplianceViolation,
		Severity:   models.SeverityMedium,
		TenantID:   tenant,
		Entity:     models.EntityRef{Type: models.EntityBalance, ID: entity},
		Message:    "closed without a physical count",
		DetectedAt: s.clock.Now(),
	}
}

// anyAlerts matches a Publish call carrying exactly n alerts.
func anyAlerts(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = gomock.Any()
	}
	return out
}

// capture records every published alert.
func capture(into *[]models.Alert) func(context.Context, ...models.Alert) error {
	return func(_ context.Context, alerts ...models.Alert) error {
		*into = append(*into, alerts...)
		return nil
	}
}

func (s *ScannerSuite) TestScanPublishesAlertsForActiveTenants() {
	var published []models.Alert
	s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(3)...).DoAndReturn(capture(&published)).Times(1)
	s.expirer.EXPECT().ExpireStale(gomock.Any(), s.alpha.ID, 5*time.Minute).Return(1, nil)
	s.expirer.EXPECT().ExpireStale(gomock.Any(), s.beta.ID, 5*time.Minute).Return(0, nil)

	summary, err := s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)

	s.Equal(2, summary.Tenants)
	s.Equal(3, summary.Raised)
	s.Equal(3, summary.Published)
	s.Equal(1, summary.Expired)
	s.Len(published, 3)
	s.Zero(s.scanner.Buffered())

	s.Len(s.ops.events, 2)
	for _, e := range s.ops.events {
		s.Equal(audit.EventComplianceScanCompleted, e.Action)
	}
	for _, w := range s.monitor.windows {
		s.Equal(7*24*time.Hour, w)
	}
}

func (s *ScannerSuite) TestRepeatedAlertsAreSuppressedUntilRenotify() {
	var published []models.Alert
	s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(3)...).DoAndReturn(capture(&published)).Times(2)
	s.expirer.EXPECT().ExpireStale(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).AnyTimes()

	_, err := s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)

	s.clock.Advance(time.Hour)
	summary, err := s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, summary.Raised)
	s.Equal(3, summary.Suppressed)
	s.Len(published, 3)

	s.clock.Advance(24 * time.Hour)
	summary, err = s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, summary.Raised)
	s.Len(published, 6)
}

func (s *ScannerSuite) TestShiftingDetailDoesNotDefeatSuppression() {
	var published []models.Alert
	s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(capture(&published)).Times(2)
	s.expirer.EXPECT().ExpireStale(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).AnyTimes()
	s.monitor.alerts = map[domain.TenantID][]models.Alert{s.alpha.ID: {s.overdue(2, "report for 2026-02 was due 2 days ago")}}

	_, err := s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)

	s.Run("a new day count on the same overdue report stays quiet", func() {
		s.clock.Advance(time.Hour)
		s.monitor.alerts[s.alpha.ID] = []models.Alert{s.overdue(3, "report for 2026-02 was due 3 days ago")}
		summary, err := s.scanner.ScanOnce(s.ctx)
		s.Require().NoError(err)
		s.Zero(summary.Raised)
		s.Equal(1, summary.Suppressed)
	})

	s.Run("another period is a separate condition", func() {
		next := s.overdue(1, "report for 2026-03 was due 1 day ago")
		next.Period = "2026-03"
		next.Entity.ID = "2026-03"
		s.monitor.alerts[s.alpha.ID] = []models.Alert{s.overdue(4, "report for 2026-02 was due 4 days ago"), next}
		summary, err := s.scanner.ScanOnce(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, summary.Raised)
		s.Equal(1, summary.Suppressed)
	})

	s.Require().Len(published, 2)
	s.Equal("2026-02", published[0].Period)
	s.Equal("2026-03", published[1].Period)
}

func (s *ScannerSuite) overdue(days float64, msg string) models.Alert {
	return models.Alert{
		Kind:       models.KindOverdue,
		Severity:   models.SeverityHigh,
		TenantID:   s.alpha.ID,
		Entity:     models.EntityRef{Type: models.EntityPeriod, ID: "2026-02"},
		Period:     "2026-02",
		Message:    msg,
		DetectedAt: s.clock.Now(),
		Value:      &days,
	}
}

func (s *ScannerSuite) TestFailedFlushKeepsAlertsForNextScan() {
	s.expirer.EXPECT().ExpireStale(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).AnyTimes()
	gomock.InOrder(
		s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(3)...).Return(errors.New("broker unavailable")),
		s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(3)...).Return(nil),
	)

	summary, err := s.scanner.ScanOnce(s.ctx)
	s.Require().Error(err)
	s.ErrorContains(err, "broker unavailable")
	s.Equal(0, summary.Published)
	s.Equal(3, s.scanner.Buffered())

	summary, err = s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, summary.Raised)
	s.Equal(3, summary.Published)
	s.Zero(s.scanner.Buffered())
}

func (s *ScannerSuite) TestFailingTenantDoesNotBlockOthers() {
	s.monitor.failing[s.alpha.ID] = errors.New("ledger unavailable")
	var published []models.Alert
	s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(2)...).DoAndReturn(capture(&published))
	s.expirer.EXPECT().ExpireStale(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).Times(2)

	summary, err := s.scanner.ScanOnce(s.ctx)
	s.Require().Error(err)
	s.ErrorContains(err, s.alpha.ID.String())
	s.ErrorContains(err, "ledger unavailable")
	s.Equal(2, summary.Raised)
	s.Len(published, 2)
	for _, a := range published {
		s.Equal(s.beta.ID, a.TenantID)
	}
}

func (s *ScannerSuite) TestStaleExpiryDisabled() {
	s.scanner = s.newScanner(Config{})
	s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(3)...).Return(nil)

	_, err := s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)
}

func (s *ScannerSuite) TestFlushInBatches() {
	s.scanner = s.newScanner(Config{FlushBatch: 2})
	gomock.InOrder(
		s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(2)...).Return(nil),
		s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(1)...).Return(nil),
	)

	summary, err := s.scanner.ScanOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, summary.Published)
}

func (s *ScannerSuite) TestRunStopsOnCancel() {
	s.sink.EXPECT().Publish(gomock.Any(), anyAlerts(3)...).Return(nil).AnyTimes()
	s.scanner = s.newScanner(Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.scanner.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("scanner did not stop")
	}
}

func TestAlertBuffer(t *testing.T) {
	a := func(id string) models.Alert { return models.Alert{Entity: models.EntityRef{ID: id}} }
	ids := func(alerts []models.Alert) []string {
		out := make([]string, len(alerts))
		for i, x := range alerts {
			out[i] = x.Entity.ID
		}
		return out
	}

	t.Run("drops oldest when full", func(t *testing.T) {
		b := newAlertBuffer(3)
		dropped := b.Enqueue(a("1"), a("2"), a("3"), a("4"))
		if dropped != 1 || b.Dropped() != 1 {
			t.Fatalf("dropped = %d, total %d", dropped, b.Dropped())
		}
		got := ids(b.DequeueBatch(10))
		if len(got) != 3 || got[0] != "2" || got[2] != "4" {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("requeue restores order at the front", func(t *testing.T) {
		b := newAlertBuffer(4)
		b.Enqueue(a("1"), a("2"), a("3"))
		batch := b.DequeueBatch(2)
		b.Enqueue(a("4"))
		if dropped := b.Requeue(batch); dropped != 0 {
			t.Fatalf("unexpected drop %d", dropped)
		}
		got := ids(b.DequeueBatch(0))
		want := []string{"1", "2", "3", "4"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("requeue drops what no longer fits", func(t *testing.T) {
		b := newAlertBuffer(2)
		b.Enqueue(a("1"), a("2"))
		batch := b.DequeueBatch(2)
		b.Enqueue(a("3"))
		if dropped := b.Requeue(batch); dropped != 1 {
			t.Fatalf("dropped = %d", dropped)
		}
		got := ids(b.DequeueBatch(0))
		if len(got) != 2 || got[0] != "1" || got[1] != "3" {
			t.Fatalf("got %v", got)
		}
	})
}
