// Package config loads process configuration from the environment.
//
// FromEnv seeds the environment from an optional .env file (development only; real
// environment variables always win) and then reads typed sections. Every duration
// accepts Go duration syntax ("30s", "5m").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Environment  string
	LogLevel     string
	Server       Server
	Database     Database
	Redis        RedisConfig
	Kafka        Kafka
	Ledger       Ledger
	Reporting    Reporting
	Transmission Transmission
	Monitor      Monitor
}

// Server captures the ops HTTP surface (/metrics, /healthz).
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Database configures PostgreSQL. An empty URL selects in-memory stores.
type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// RedisConfig configures the client used for per-period locks. An empty URL selects
// in-process locks (single replica only).
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockTTL      time.Duration
}

// Kafka configures the outbox relay and alert topic. Empty brokers disable both.
type Kafka struct {
	Brokers       []string
	ClientID      string
	AuditTopic    string
	AlertTopic    string
	RelayInterval time.Duration
	RelayBatch    int
}

// Ledger holds period-closing policy.
type Ledger struct {
	// ClosingGraceDays is how long after period end a balance may remain open
	// before it is reported overdue.
	ClosingGraceDays int
}

type Reporting struct {
	// DeadlineDay is the day of the month following the period by which the
	// report must be transmitted.
	DeadlineDay    int
	LookbackMonths int
}

type Transmission struct {
	MaxAttempts          int
	Timeout              time.Duration
	StaleAfter           time.Duration
	BreakerFailures      int
	BreakerSuccesses     int
	BreakerCooldown      time.Duration
	AuthorityEndpoint    string
	AuthorityCredentials string
}

type Monitor struct {
	ScanInterval        time.Duration
	DaysBeforeDeadline  int
	AnomalyThreshold    float64
	AnomalyWindow       time.Duration
	AnomalyHistory      int
	AnomalyMinHistory   int
	AlertBufferSize     int
	// ScanAuditSampleRate is the share of per-tenant scan events kept in the ops audit trail.
	ScanAuditSampleRate float64
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	if path := os.Getenv("RXLEDGER_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	} else {
		// Missing .env is normal outside development.
		_ = godotenv.Load()
	}

	r := &reader{}
	cfg := Config{
		Environment: r.str("RXLEDGER_ENV", "development"),
		LogLevel:    r.str("LOG_LEVEL", "info"),
		Server: Server{
			Addr:            r.str("RXLEDGER_ADDR", ":8080"),
			ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: Database{
			URL:             r.str("DATABASE_URL", ""),
			MaxOpenConns:    r.int("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    r.int("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: r.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			MigrateOnStart:  r.bool("DATABASE_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockTTL:      r.duration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Kafka: Kafka{
			Brokers:       r.list("KAFKA_BROKERS"),
			ClientID:      r.str("KAFKA_CLIENT_ID", "rxledger"),
			AuditTopic:    r.str("KAFKA_AUDIT_TOPIC", "rxledger.audit"),
			AlertTopic:    r.str("KAFKA_ALERT_TOPIC", "rxledger.alerts"),
			RelayInterval: r.duration("OUTBOX_RELAY_INTERVAL", 2*time.Second),
			RelayBatch:    r.int("OUTBOX_RELAY_BATCH", 100),
		},
		Ledger: Ledger{
			ClosingGraceDays: r.int("LEDGER_CLOSING_GRACE_DAYS", 5),
		},
		Reporting: Reporting{
			DeadlineDay:    r.int("REPORT_DEADLINE_DAY", 15),
			LookbackMonths: r.int("REPORT_LOOKBACK_MONTHS", 24),
		},
		Transmission: Transmission{
			MaxAttempts:          r.int("TRANSMISSION_MAX_ATTEMPTS", 5),
			Timeout:              r.duration("TRANSMISSION_TIMEOUT", 30*time.Second),
			StaleAfter:           r.duration("TRANSMISSION_STALE_AFTER", 5*time.Minute),
			BreakerFailures:      r.int("TRANSMISSION_BREAKER_FAILURES", 5),
			BreakerSuccesses:     r.int("TRANSMISSION_BREAKER_SUCCESSES", 1),
			BreakerCooldown:      r.duration("TRANSMISSION_BREAKER_COOLDOWN", time.Minute),
			AuthorityEndpoint:    r.str("AUTHORITY_ENDPOINT", ""),
			AuthorityCredentials: r.str("AUTHORITY_CREDENTIALS", ""),
		},
		Monitor: Monitor{
			ScanInterval:        r.duration("MONITOR_SCAN_INTERVAL", time.Hour),
			DaysBeforeDeadline:  r.int("MONITOR_DAYS_BEFORE_DEADLINE", 5),
			AnomalyThreshold:    r.float("MONITOR_ANOMALY_THRESHOLD", 2.0),
			AnomalyWindow:       r.duration("MONITOR_ANOMALY_WINDOW", 30*24*time.Hour),
			AnomalyHistory:      r.int("MONITOR_ANOMALY_HISTORY", 6),
			AnomalyMinHistory:   r.int("MONITOR_ANOMALY_MIN_HISTORY", 3),
			AlertBufferSize:     r.int("MONITOR_ALERT_BUFFER", 1000),
			ScanAuditSampleRate: r.float("MONITOR_SCAN_AUDIT_SAMPLE_RATE", 1.0),
		},
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the services cannot operate with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("RXLEDGER_ADDR must not be empty"))
	}
	if c.Ledger.ClosingGraceDays < 0 {
		errs = append(errs, errors.New("LEDGER_CLOSING_GRACE_DAYS must be >= 0"))
	}
	if c.Reporting.DeadlineDay < 1 || c.Reporting.DeadlineDay > 31 {
		errs = append(errs, errors.New("REPORT_DEADLINE_DAY must be between 1 and 31"))
	}
	if c.Reporting.LookbackMonths < 1 {
		errs = append(errs, errors.New("REPORT_LOOKBACK_MONTHS must be >= 1"))
	}
	if c.Transmission.MaxAttempts < 1 {
		errs = append(errs, errors.New("TRANSMISSION_MAX_ATTEMPTS must be >= 1"))
	}
	if c.Transmission.Timeout <= 0 {
		errs = append(errs, errors.New("TRANSMISSION_TIMEOUT must be positive"))
	}
	if c.Transmission.StaleAfter < c.Transmission.Timeout {
		errs = append(errs, errors.New("TRANSMISSION_STALE_AFTER must be >= TRANSMISSION_TIMEOUT"))
	}
	if c.Monitor.ScanInterval <= 0 {
		errs = append(errs, errors.New("MONITOR_SCAN_INTERVAL must be positive"))
	}
	if c.Monitor.AnomalyThreshold <= 0 {
		errs = append(errs, errors.New("MONITOR_ANOMALY_THRESHOLD must be positive"))
	}
	if c.Monitor.AnomalyWindow <= 0 {
		errs = append(errs, errors.New("MONITOR_ANOMALY_WINDOW must be positive"))
	}
	if c.Monitor.AnomalyMinHistory < 2 || c.Monitor.AnomalyHistory < c.Monitor.AnomalyMinHistory {
		errs = append(errs, errors.New("MONITOR_ANOMALY_HISTORY must be >= MONITOR_ANOMALY_MIN_HISTORY >= 2"))
	}
	if c.Monitor.ScanAuditSampleRate < 0 || c.Monitor.ScanAuditSampleRate > 1 {
		errs = append(errs, errors.New("MONITOR_SCAN_AUDIT_SAMPLE_RATE must be within [0, 1]"))
	}
	if c.Redis.URL != "" && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("REDIS_LOCK_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether human-readable logs should be used.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *reader) bool(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	v := r.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
