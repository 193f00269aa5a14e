package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"rxledger/internal/platform/postgres"
	"rxledger/internal/report/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	txcontext "rxledger/pkg/platform/tx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const reportColumns = `id, tenant_id, period_year, period_month, status, events, payload, checksum,
	item_count, protocol_code, created_by, created_at, compiled_at, transmitted_at`

func (s *PostgresStore) Create(ctx context.Context, r *models.RegulatoryReport) error {
	events, err := json.Marshal(r.Events)
	if err != nil {
		return fmt.Errorf("marshal report events: %w", err)
	}
	query := `
		INSERT INTO regulatory_reports (` + reportColumns + `, event_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(r.ID), uuid.UUID(r.TenantID), r.Period.Year, int(r.Period.Month), string(r.Status),
		events, r.Payload, r.Checksum, r.ItemCount, r.ProtocolCode, r.CreatedBy, r.CreatedAt,
		r.CompiledAt, r.TransmittedAt, pq.Array(r.EventIDs()),
	)
	if postgres.IsUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID domain.TenantID, id domain.ReportID) (*models.RegulatoryReport, error) {
	query := `SELECT ` + reportColumns + ` FROM regulatory_reports WHERE tenant_id = $1 AND id = $2`
	return s.findOne(ctx, query, uuid.UUID(tenantID), uuid.UUID(id))
}

func (s *PostgresStore) FindByPeriod(ctx context.Context, tenantID domain.TenantID, period domain.Period) (*models.RegulatoryReport, error) {
	query := `SELECT ` + reportColumns + ` FROM regulatory_reports
		WHERE tenant_id = $1 AND period_year = $2 AND period_month = $3`
	return s.findOne(ctx, query, uuid.UUID(tenantID), period.Year, int(period.Month))
}

func (s *PostgresStore) findOne(ctx context.Context, query string, args ...any) (*models.RegulatoryReport, error) {
	r, err := scanReport(s.execer(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find report: %w", err)
	}
	return r, nil
}

// Execute locks the report row FOR UPDATE, runs validate then mutate and writes the
// mutable columns back. Events are immutable and never rewritten.
func (s *PostgresStore) Execute(ctx context.Context, tenantID domain.TenantID, id domain.ReportID, validate func(*models.RegulatoryReport) error, mutate func(*models.RegulatoryReport)) (*models.RegulatoryReport, error) {
	run := func(ctx context.Context, tx *sql.Tx) (*models.RegulatoryReport, error) {
		query := `SELECT ` + reportColumns + ` FROM regulatory_reports WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
		r, err := scanReport(tx.QueryRowContext(ctx, query, uuid.UUID(tenantID), uuid.UUID(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lock report: %w", err)
		}
		if err := validate(r); err != nil {
			return nil, err
		}
		mutate(r)

		update := `
			UPDATE regulatory_reports SET
				status = $3, payload = $4, checksum = $5, item_count = $6, protocol_code = $7,
				compiled_at = $8, transmitted_at = $9
			WHERE tenant_id = $1 AND id = $2
		`
		if _, err := tx.ExecContext(ctx, update, uuid.UUID(tenantID), uuid.UUID(id),
			string(r.Status), r.Payload, r.Checksum, r.ItemCount, r.ProtocolCode, r.CompiledAt, r.TransmittedAt,
		); err != nil {
			return nil, fmt.Errorf("update report: %w", err)
		}
		return r, nil
	}

	if tx, ok := txcontext.From(ctx); ok {
		return run(ctx, tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin report tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	r, err := run(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit report tx: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID domain.TenantID) ([]*models.RegulatoryReport, error) {
	query := `SELECT ` + reportColumns + ` FROM regulatory_reports
		WHERE tenant_id = $1 ORDER BY period_year, period_month`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(tenantID))
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []*models.RegulatoryReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// AttachedEventIDs uses the GIN-indexed event_ids overlap operator.
func (s *PostgresStore) AttachedEventIDs(ctx context.Context, tenantID domain.TenantID, eventIDs []string) (map[string]bool, error) {
	attached := make(map[string]bool)
	if len(eventIDs) == 0 {
		return attached, nil
	}
	query := `
		SELECT DISTINCT e
		FROM regulatory_reports, unnest(event_ids) AS e
		WHERE tenant_id = $1 AND event_ids && $2::text[] AND e = ANY($2::text[])
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(tenantID), pq.Array(eventIDs))
	if err != nil {
		return nil, fmt.Errorf("query attached events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attached event: %w", err)
		}
		attached[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attached events: %w", err)
	}
	return attached, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*models.RegulatoryReport, error) {
	var (
		r             models.RegulatoryReport
		id, tenantID  uuid.UUID
		month         int
		status        string
		events        []byte
		compiledAt    sql.NullTime
		transmittedAt sql.NullTime
	)
	err := row.Scan(&id, &tenantID, &r.Period.Year, &month, &status, &events, &r.Payload, &r.Checksum,
		&r.ItemCount, &r.ProtocolCode, &r.CreatedBy, &r.CreatedAt, &compiledAt, &transmittedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &r.Events); err != nil {
		return nil, fmt.Errorf("decode report events: %w", err)
	}
	r.ID = domain.ReportID(id)
	r.TenantID = domain.TenantID(tenantID)
	r.Period.Month = time.Month(month)
	r.Status = models.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.CompiledAt = utcPtr(compiledAt)
	r.TransmittedAt = utcPtr(transmittedAt)
	return &r, nil
}

func utcPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
