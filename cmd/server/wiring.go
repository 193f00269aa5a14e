package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	balancemetrics "rxledger/internal/balance/metrics"
	balanceservice "rxledger/internal/balance/service"
	balancestore "rxledger/internal/balance/store"
	compliancemetrics "rxledger/internal/compliance/metrics"
	"rxledger/internal/compliance/monitor"
	"rxledger/internal/compliance/scanner"
	"rxledger/internal/compliance/sink"
	ledgermetrics "rxledger/internal/ledger/metrics"
	ledgerservice "rxledger/internal/ledger/service"
	ledgerstore "rxledger/internal/ledger/store"
	"rxledger/internal/platform/config"
	"rxledger/internal/platform/httpserver"
	"rxledger/internal/platform/kafka"
	"rxledger/internal/platform/lock"
	platformmetrics "rxledger/internal/platform/metrics"
	"rxledger/internal/platform/outbox"
	"rxledger/internal/platform/postgres"
	"rxledger/internal/platform/redis"
	reportmetrics "rxledger/internal/report/metrics"
	reportservice "rxledger/internal/report/service"
	"rxledger/internal/report/source"
	reportstore "rxledger/internal/report/store"
	tenantmetrics "rxledger/internal/tenant/metrics"
	tenantservice "rxledger/internal/tenant/service"
	tenantstore "rxledger/internal/tenant/store"
	transmissionmetrics "rxledger/internal/transmission/metrics"
	transmissionservice "rxledger/internal/transmission/service"
	transmissionstore "rxledger/internal/transmission/store"
	"rxledger/internal/transmission/transport"
	"rxledger/migrations"
	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/audit/publishers/compliance"
	"rxledger/pkg/platform/audit/publishers/ops"
	auditmemory "rxledger/pkg/platform/audit/store/memory"
	auditpostgres "rxledger/pkg/platform/audit/store/postgres"
	"rxledger/pkg/platform/circuit"
	"rxledger/pkg/platform/tx"
)

// infra holds the external connections. Each one is optional: without a
// database the stores are in-memory, without Redis locks are in-process and
// without brokers alerts go to the log.
type infra struct {
	db       *sql.DB
	redis    *redis.Client
	producer *kafka.Producer
}

func openInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{}
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		in.db = db
		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(ctx, db); err != nil {
				in.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		log.InfoContext(ctx, "postgres connected", "migrated", cfg.Database.MigrateOnStart)
	} else {
		log.WarnContext(ctx, "DATABASE_URL not set, using in-memory stores")
	}

	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.redis = client

	producer, err := kafka.NewProducer(cfg.Kafka, log)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.producer = producer
	if producer != nil {
		if err := producer.EnsureTopics(ctx, 3, 1, cfg.Kafka.AuditTopic, cfg.Kafka.AlertTopic); err != nil {
			log.WarnContext(ctx, "kafka topics not created", "error", err)
		}
	}
	return in, nil
}

func (in *infra) Close() {
	if in.producer != nil {
		in.producer.Close()
	}
	if in.redis != nil {
		_ = in.redis.Close()
	}
	if in.db != nil {
		_ = in.db.Close()
	}
}

func (in *infra) healthChecks() map[string]httpserver.HealthCheck {
	checks := map[string]httpserver.HealthCheck{}
	if in.db != nil {
		checks["postgres"] = in.db.PingContext
	}
	if in.redis != nil {
		checks["redis"] = in.redis.Health
	}
	if in.producer != nil {
		checks["kafka"] = in.producer.Ping
	}
	return checks
}

// stores groups one implementation per aggregate.
type stores struct {
	ledger   ledgerservice.Store
	balances interface {
		balanceservice.Store
		ledgerservice.PeriodGuard
	}
	reports       reportservice.Store
	prescriptions reportservice.PrescriptionSource
	transmissions transmissionservice.Store
	tenants       tenantservice.Store
	audit         audit.Store
	tx            tx.Runner
}

func newStores(db *sql.DB) stores {
	if db == nil {
		return stores{
			ledger:        ledgerstore.NewInMemory(),
			balances:      balancestore.NewInMemory(),
			reports:       reportstore.NewInMemory(),
			prescriptions: source.NewInMemory(),
			transmissions: transmissionstore.NewInMemory(),
			tenants:       tenantstore.NewInMemory(),
			audit:         auditmemory.NewInMemoryStore(),
			tx:            tx.Memory{},
		}
	}
	return stores{
		ledger:        ledgerstore.NewPostgres(db),
		balances:      balancestore.NewPostgres(db),
		reports:       reportstore.NewPostgres(db),
		prescriptions: source.NewPostgres(db),
		transmissions: transmissionstore.NewPostgres(db),
		tenants:       tenantstore.NewPostgres(db),
		audit:         auditpostgres.New(db),
		tx:            tx.NewPostgres(db),
	}
}

type app struct {
	tenants      *tenantservice.Service
	ledger       *ledgerservice.Service
	balances     *balanceservice.Service
	reports      *reportservice.Service
	transmission *transmissionservice.Service
	scanner      *scanner.Scanner
	relay        *outbox.Relay
	opsAudit     *ops.Publisher
}

func buildApp(cfg config.Config, log *slog.Logger, in *infra) (*app, error) {
	st := newStores(in.db)

	var locker lock.Locker = lock.NewKeyed()
	if in.redis != nil {
		locker = lock.NewRedis(in.redis.Client, cfg.Redis.LockTTL)
	}

	complianceAudit := compliance.New(st.audit,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics()),
	)
	opsAudit := ops.New(st.audit,
		ops.WithLogger(log),
		ops.WithMetrics(ops.NewMetrics()),
		ops.WithSampler(ops.NewSampler(1, map[audit.AuditEvent]float64{
			audit.EventComplianceScanCompleted: cfg.Monitor.ScanAuditSampleRate,
		})),
		ops.WithBreaker(circuit.New("ops-audit")),
		ops.WithAsyncBuffer(1024),
	)

	var alerts scanner.AlertSink = sink.NewLog(log)
	if in.producer != nil {
		alerts = sink.NewKafka(in.producer, cfg.Kafka.AlertTopic)
	}

	a := &app{opsAudit: opsAudit}
	a.tenants = tenantservice.New(st.tenants,
		tenantservice.WithLogger(log),
		tenantservice.WithMetrics(tenantmetrics.New()),
		tenantservice.WithTx(st.tx),
	)
	a.ledger = ledgerservice.New(st.ledger, st.balances, locker,
		ledgerservice.WithLogger(log),
		ledgerservice.WithAuditPublisher(complianceAudit),
		ledgerservice.WithMetrics(ledgermetrics.New()),
		ledgerservice.WithTx(st.tx),
	)
	a.balances = balanceservice.New(st.balances, a.ledger, locker,
		balanceservice.WithLogger(log),
		balanceservice.WithAuditPublisher(complianceAudit),
		balanceservice.WithOpsTracker(opsAudit),
		balanceservice.WithMetrics(balancemetrics.New()),
		balanceservice.WithTx(st.tx),
		balanceservice.WithGraceDays(cfg.Ledger.ClosingGraceDays),
	)
	a.reports = reportservice.New(st.reports, st.prescriptions,
		reportservice.WithLogger(log),
		reportservice.WithAuditPublisher(complianceAudit),
		reportservice.WithMetrics(reportmetrics.New()),
		reportservice.WithTx(st.tx),
	)

	if cfg.Transmission.AuthorityEndpoint == "" {
		log.Warn("AUTHORITY_ENDPOINT not set, transmissions will fail")
	}
	tr := transport.NewHTTP(cfg.Transmission.AuthorityEndpoint,
		transport.WithCredentials(cfg.Transmission.AuthorityCredentials),
	)
	a.transmission = transmissionservice.New(st.transmissions, st.reports, tr,
		transmissionservice.WithLogger(log),
		transmissionservice.WithAuditPublisher(complianceAudit),
		transmissionservice.WithOpsTracker(opsAudit),
		transmissionservice.WithAlertSink(alerts),
		transmissionservice.WithMetrics(transmissionmetrics.New()),
		transmissionservice.WithTx(st.tx),
		transmissionservice.WithMaxAttempts(cfg.Transmission.MaxAttempts),
		transmissionservice.WithTimeout(cfg.Transmission.Timeout),
		transmissionservice.WithBreaker(circuit.New("authority",
			circuit.WithFailureThreshold(cfg.Transmission.BreakerFailures),
			circuit.WithSuccessThreshold(cfg.Transmission.BreakerSuccesses),
			circuit.WithCooldown(cfg.Transmission.BreakerCooldown),
		)),
	)

	mon := monitor.New(a.ledger, a.balances, a.reports, monitor.Config{
		DeadlineDay:       cfg.Reporting.DeadlineDay,
		LookbackMonths:    cfg.Reporting.LookbackMonths,
		AnomalyThreshold:  cfg.Monitor.AnomalyThreshold,
		AnomalyHistory:    cfg.Monitor.AnomalyHistory,
		AnomalyMinHistory: cfg.Monitor.AnomalyMinHistory,
	})
	a.scanner = scanner.New(mon, a.tenants, alerts, scanner.Config{
		Interval:           cfg.Monitor.ScanInterval,
		DaysBeforeDeadline: cfg.Monitor.DaysBeforeDeadline,
		AnomalyWindow:      cfg.Monitor.AnomalyWindow,
		StaleAfter:         cfg.Transmission.StaleAfter,
		BufferSize:         cfg.Monitor.AlertBufferSize,
	},
		scanner.WithLogger(log),
		scanner.WithOpsTracker(opsAudit),
		scanner.WithStaleExpirer(a.transmission),
		scanner.WithMetrics(compliancemetrics.New()),
		scanner.WithWorkerMetrics(platformmetrics.New()),
	)

	if in.db != nil && in.producer != nil {
		a.relay = outbox.NewRelay(in.db, in.producer, cfg.Kafka.AuditTopic,
			outbox.WithLogger(log),
			outbox.WithBatchSize(cfg.Kafka.RelayBatch),
		)
	} else if in.db != nil {
		log.Warn("KAFKA_BROKERS not set, audit outbox rows will accumulate unpublished")
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.opsAudit != nil {
		errs = append(errs, a.opsAudit.Close())
	}
	return errors.Join(errs...)
}
