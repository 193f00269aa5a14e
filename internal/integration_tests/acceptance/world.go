// Package acceptance runs the Gherkin features under features/ against the
// services wired in-process with in-memory stores and a fake authority.
package acceptance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	balanceservice "rxledger/internal/balance/service"
	balancestore "rxledger/internal/balance/store"
	compliancemodels "rxledger/internal/compliance/models"
	"rxledger/internal/compliance/monitor"
	"rxledger/internal/compliance/scanner"
	ledgerservice "rxledger/internal/ledger/service"
	ledgerstore "rxledger/internal/ledger/store"
	"rxledger/internal/platform/lock"
	reportmodels "rxledger/internal/report/models"
	reportservice "rxledger/internal/report/service"
	"rxledger/internal/report/source"
	reportstore "rxledger/internal/report/store"
	tenantservice "rxledger/internal/tenant/service"
	tenantstore "rxledger/internal/tenant/store"
	transmissionservice "rxledger/internal/transmission/service"
	transmissionstore "rxledger/internal/transmission/store"
	"rxledger/internal/transmission/transport"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/audit/publishers/compliance"
	auditmemory "rxledger/pkg/platform/audit/store/memory"
	"rxledger/pkg/platform/clock"
)

const maxAttempts = 2

// World is the per-scenario state shared by every step package.
type World struct {
	clock         *clock.Fake
	prescriptions *source.InMemory
	audits        *auditmemory.InMemoryStore
	authority     *httptest.Server
	rejecting     atomic.Bool
	submissions   atomic.Int32
	alerts        *alertRecorder

	tenants      *tenantservice.Service
	ledger       *ledgerservice.Service
	balances     *balanceservice.Service
	reports      *reportservice.Service
	transmission *transmissionservice.Service
	scanner      *scanner.Scanner

	tenant  domain.TenantID
	report  *reportmodels.RegulatoryReport
	lastErr error
}

func NewWorld() *World {
	w := &World{
		clock:         clock.NewFake(time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)),
		prescriptions: source.NewInMemory(),
		audits:        auditmemory.NewInMemoryStore(),
		alerts:        &alertRecorder{},
	}
	w.authority = httptest.NewServer(w.authorityRouter())

	publisher := compliance.New(w.audits, compliance.WithClock(w.clock))
	locker := lock.NewKeyed()
	balances := balancestore.NewInMemory()
	reports := reportstore.NewInMemory()

	w.tenants = tenantservice.New(tenantstore.NewInMemory(), tenantservice.WithClock(w.clock))
	w.ledger = ledgerservice.New(ledgerstore.NewInMemory(), balances, locker,
		ledgerservice.WithAuditPublisher(publisher),
		ledgerservice.WithClock(w.clock),
	)
	w.balances = balanceservice.New(balances, w.ledger, locker,
		balanceservice.WithAuditPublisher(publisher),
		balanceservice.WithClock(w.clock),
	)
	w.reports = reportservice.New(reports, w.prescriptions,
		reportservice.WithAuditPublisher(publisher),
		reportservice.WithClock(w.clock),
	)
	w.transmission = transmissionservice.New(transmissionstore.NewInMemory(), reports,
		transport.NewHTTP(w.authority.URL+"/submissions"),
		transmissionservice.WithAuditPublisher(publisher),
		transmissionservice.WithAlertSink(w.alerts),
		transmissionservice.WithClock(w.clock),
		transmissionservice.WithMaxAttempts(maxAttempts),
	)
	mon := monitor.New(w.ledger, w.balances, w.reports, monitor.Config{}, monitor.WithClock(w.clock))
	w.scanner = scanner.New(mon, w.tenants, w.alerts, scanner.Config{}, scanner.WithClock(w.clock))
	return w
}

// Close releases the fake authority.
func (w *World) Close() {
	w.authority.Close()
}

func (w *World) authorityRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/submissions", func(rw http.ResponseWriter, _ *http.Request) {
		if w.rejecting.Load() {
			http.Error(rw, "schema validation failed", http.StatusUnprocessableEntity)
			return
		}
		n := w.submissions.Add(1)
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]string{"protocol": fmt.Sprintf("PRT-%06d", n)})
	})
	return r
}

func (w *World) Now() time.Time { return w.clock.Now() }
func (w *World) SetNow(t time.Time) { w.clock.Set(t) }
func (w *World) Tenant() domain.TenantID { return w.tenant }
func (w *World) SetTenant(id domain.TenantID) { w.tenant = id }
func (w *World) Tenants() *tenantservice.Service { return w.tenants }
func (w *World) Ledger() *ledgerservice.Service { return w.ledger }
func (w *World) Balances() *balanceservice.Service { return w.balances }
func (w *World) Reports() *reportservice.Service { return w.reports }
func (w *World) Transmission() *transmissionservice.Service { return w.transmission }
func (w *World) Report() *reportmodels.RegulatoryReport { return w.report }
func (w *World) SetReport(r *reportmodels.RegulatoryReport) { w.report = r }
func (w *World) LastError() error { return w.lastErr }
func (w *World) SetLastError(err error) { w.lastErr = err }
func (w *World) SetAuthorityRejecting(rejecting bool) { w.rejecting.Store(rejecting) }
func (w *World) Alerts() []compliancemodels.Alert { return w.alerts.all() }

// SeedDispensation makes ev visible to the prescription source, as the
// dispensing system would.
func (w *World) SeedDispensation(ev domain.DispensationEvent) {
	w.prescriptions.Add(w.tenant, ev)
}

// Scan runs one compliance scan and returns the error it reported.
func (w *World) Scan(ctx context.Context) error {
	_, err := w.scanner.ScanOnce(ctx)
	return err
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []compliancemodels.Alert
}

func (r *alertRecorder) Publish(_ context.Context, alerts ...compliancemodels.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alerts...)
	return nil
}

func (r *alertRecorder) all() []compliancemodels.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]compliancemodels.Alert{}, r.alerts...)
}
