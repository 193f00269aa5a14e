// Package scanner runs the compliance monitor for every active tenant on an
// interval and delivers the resulting alerts to an AlertSink.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	compliancemetrics "rxledger/internal/compliance/metrics"
	"rxledger/internal/compliance/models"
	platformmetrics "rxledger/internal/platform/metrics"
	tenantmodels "rxledger/internal/tenant/models"
	"rxledger/pkg/domain"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/requestcontext"
)

const workerName = "compliance_scanner"

type Monitor interface {
	CheckApproachingDeadlines(ctx context.Context, tenantID domain.TenantID, now time.Time, daysBeforeDeadline int) ([]models.Alert, error)
	CheckOverdueReports(ctx context.Context, tenantID domain.TenantID, now time.Time) ([]models.Alert, error)
	CheckOverdueBalances(ctx context.Context, tenantID domain.TenantID) ([]models.Alert, error)
	ValidateCompliance(ctx context.Context, tenantID domain.TenantID) ([]models.Alert, error)
	DetectAnomalies(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]models.Alert, error)
}

type TenantLister interface {
	ListActive(ctx context.Context) ([]*tenantmodels.Tenant, error)
}

// StaleExpirer fails transmissions left pending by a crashed submitter.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, tenantID domain.TenantID, olderThan time.Duration) (int, error)
}

type AlertSink interface {
	Publish(ctx context.Context, alerts ...models.Alert) error
}

type OpsTracker interface {
	Track(ctx context.Context, event audit.OpsEvent)
}

type Config struct {
	Interval           time.Duration
	DaysBeforeDeadline int
	AnomalyWindow      time.Duration
	// StaleAfter is handed to ExpireStale. Zero disables expiry.
	StaleAfter time.Duration
	// Renotify is how long an identical alert stays suppressed after it was queued.
	Renotify    time.Duration
	Concurrency int
	BufferSize  int
	FlushBatch  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.DaysBeforeDeadline <= 0 {
		c.DaysBeforeDeadline = 5
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = 30 * 24 * time.Hour
	}
	if c.Renotify <= 0 {
		c.Renotify = 24 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 100
	}
	return c
}

// Summary describes one scan.
type Summary struct {
	Tenants    int
	Raised     int
	Suppressed int
	Dropped    int
	Published  int
	Expired    int
}

type Scanner struct {
	monitor Monitor
	tenants TenantLister
	sink    AlertSink
	expirer StaleExpirer
	cfg     Config
	buffer  *alertBuffer
	clock   clock.Clock
	logger  *slog.Logger
	ops     OpsTracker
	metrics *compliancemetrics.Metrics
	workers *platformmetrics.Metrics

	mu       sync.Mutex
	notified map[string]time.Time
}

type Option func(*Scanner)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Scanner) {
		s.clock = c
	}
}

func WithOpsTracker(t OpsTracker) Option {
	return func(s *Scanner) {
		s.ops = t
	}
}

func WithStaleExpirer(e StaleExpirer) Option {
	return func(s *Scanner) {
		s.expirer = e
	}
}

func WithMetrics(m *compliancemetrics.Metrics) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

// WithWorkerMetrics records each scan as a background worker run.
func WithWorkerMetrics(m *platformmetrics.Metrics) Option {
	return func(s *Scanner) {
		s.workers = m
	}
}

func New(monitor Monitor, tenants TenantLister, sink AlertSink, cfg Config, opts ...Option) *Scanner {
	cfg = cfg.withDefaults()
	s := &Scanner{
		monitor:  monitor,
		tenants:  tenants,
		sink:     sink,
		cfg:      cfg,
		buffer:   newAlertBuffer(cfg.BufferSize),
		clock:    clock.System{},
		logger:   slog.New(slog.DiscardHandler),
		notified: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans immediately and then on every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "compliance scanner started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "compliance scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "compliance scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce checks every active tenant, queues new alerts and flushes the queue.
// A failing tenant does not stop the others; all errors are joined.
func (s *Scanner) ScanOnce(ctx context.Context) (summary Summary, err error) {
	ctx = requestcontext.EnsureRequestID(ctx)
	start := time.Now()
	defer func() {
		if s.workers != nil {
			s.workers.ObserveRun(workerName, start, err)
		}
	}()

	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active tenants: %w", err)
	}
	now := s.clock.Now()

	var (
		mu     sync.Mutex
		alerts []models.Alert
		errs   []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range tenants {
		g.Go(func() error {
			found, expired, scanErr := s.scanTenant(ctx, t.ID, now)
			mu.Lock()
			defer mu.Unlock()
			alerts = append(alerts, found...)
			summary.Expired += expired
			if scanErr != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, scanErr))
			}
			return nil
		})
	}
	_ = g.Wait()
	summary.Tenants = len(tenants)

	fresh := s.suppressRepeats(alerts, now)
	summary.Raised = len(fresh)
	summary.Suppressed = len(alerts) - len(fresh)
	summary.Dropped = s.buffer.Enqueue(fresh...)

	published, flushErr := s.flush(ctx)
	summary.Published = published
	if flushErr != nil {
		errs = append(errs, flushErr)
	}

	if m := s.metrics; m != nil {
		for _, a := range fresh {
			m.IncRaised(a)
		}
		for range summary.Suppressed {
			m.IncSuppressed()
		}
		m.AddDropped(summary.Dropped)
		m.SetBufferDepth(s.buffer.Len())
	}
	s.logger.InfoContext(ctx, "compliance scan completed",
		"request_id", requestcontext.RequestID(ctx),
		"tenants", summary.Tenants,
		"raised", summary.Raised,
		"suppressed", summary.Suppressed,
		"published", summary.Published,
		"expired", summary.Expired,
		"buffered", s.buffer.Len(),
	)
	return summary, errors.Join(errs...)
}

func (s *Scanner) scanTenant(ctx context.Context, tenantID domain.TenantID, now time.Time) ([]models.Alert, int, error) {
	var (
		alerts []models.Alert
		errs   []error
	)
	collect := func(name string, found []models.Alert, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		alerts = append(alerts, found...)
	}

	found, err := s.monitor.CheckApproachingDeadlines(ctx, tenantID, now, s.cfg.DaysBeforeDeadline)
	collect("approaching deadlines", found, err)
	found, err = s.monitor.CheckOverdueReports(ctx, tenantID, now)
	collect("overdue reports", found, err)
	found, err = s.monitor.CheckOverdueBalances(ctx, tenantID)
	collect("overdue balances", found, err)
	found, err = s.monitor.ValidateCompliance(ctx, tenantID)
	collect("compliance", found, err)
	found, err = s.monitor.DetectAnomalies(ctx, tenantID, now.Add(-s.cfg.AnomalyWindow), now)
	collect("anomalies", found, err)

	expired := 0
	if s.expirer != nil && s.cfg.StaleAfter > 0 {
		n, err := s.expirer.ExpireStale(ctx, tenantID, s.cfg.StaleAfter)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire stale transmissions: %w", err))
		}
		expired = n
	}

	if s.metrics != nil {
		s.metrics.IncTenantsScanned()
	}
	if s.ops != nil {
		s.ops.Track(ctx, audit.OpsEvent{
			TenantID: tenantID,
			Subject:  "tenant:" + tenantID.String(),
			Action:   audit.EventComplianceScanCompleted,
			Detail:   fmt.Sprintf("alerts=%d expired=%d failed_checks=%d", len(alerts), expired, len(errs)),
		})
	}
	return alerts, expired, errors.Join(errs...)
}

// suppressRepeats drops alerts already queued within the renotify window and
// forgets entries that have aged out.
func (s *Scanner) suppressRepeats(alerts []models.Alert, now time.Time) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, at := range s.notified {
		if now.Sub(at) >= s.cfg.Renotify {
			delete(s.notified, key)
		}
	}
	fresh := make([]models.Alert, 0, len(alerts))
	for _, a := range alerts {
		key := a.Key()
		if _, seen := s.notified[key]; seen {
			continue
		}
		s.notified[key] = now
		fresh = append(fresh, a)
	}
	return fresh
}

// flush publishes buffered alerts in batches. A failed batch goes back to the
// front of the buffer for the next scan.
func (s *Scanner) flush(ctx context.Context) (int, error) {
	published := 0
	for {
		batch := s.buffer.DequeueBatch(s.cfg.FlushBatch)
		if len(batch) == 0 {
			return published, nil
		}
		if err := s.sink.Publish(ctx, batch...); err != nil {
			if dropped := s.buffer.Requeue(batch); dropped > 0 && s.metrics != nil {
				s.metrics.AddDropped(dropped)
			}
			return published, fmt.Errorf("publish alerts: %w", err)
		}
		published += len(batch)
		if s.metrics != nil {
			s.metrics.AddPublished(len(batch))
		}
	}
}

// Buffered returns how many alerts await publication.
func (s *Scanner) Buffered() int {
	return s.buffer.Len()
}
