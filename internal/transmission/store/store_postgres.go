package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rxledger/internal/platform/postgres"
	"rxledger/internal/transmission/models"
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

const transmissionColumns = `id, tenant_id, report_id, attempt, status, protocol_code, error_detail, started_at, finished_at`

func (s *PostgresStore) Create(ctx context.Context, t *models.Transmission) error {
	query := `INSERT INTO transmissions (` + transmissionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(t.ID), uuid.UUID(t.TenantID), uuid.UUID(t.ReportID), t.Attempt, string(t.Status),
		t.ProtocolCode, t.ErrorDetail, t.StartedAt, t.FinishedAt,
	)
	if postgres.IsUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert transmission: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID domain.TenantID, id domain.TransmissionID) (*models.Transmission, error) {
	query := `SELECT ` + transmissionColumns + ` FROM transmissions WHERE tenant_id = $1 AND id = $2`
	t, err := scanTransmission(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(tenantID), uuid.UUID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transmission: %w", err)
	}
	return t, nil
}

// Execute locks the row FOR UPDATE, runs validate then mutate and writes the outcome.
// The partial unique index rejects a second success with sentinel.ErrConflict.
func (s *PostgresStore) Execute(ctx context.Context, tenantID domain.TenantID, id domain.TransmissionID, validate func(*models.Transmission) error, mutate func(*models.Transmission)) (*models.Transmission, error) {
	run := func(ctx context.Context, tx *sql.Tx) (*models.Transmission, error) {
		query := `SELECT ` + transmissionColumns + ` FROM transmissions WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
		t, err := scanTransmission(tx.QueryRowContext(ctx, query, uuid.UUID(tenantID), uuid.UUID(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lock transmission: %w", err)
		}
		if err := validate(t); err != nil {
			return nil, err
		}
		mutate(t)

		update := `UPDATE transmissions SET status = $3, protocol_code = $4, error_detail = $5, finished_at = $6
			WHERE tenant_id = $1 AND id = $2`
		_, err = tx.ExecContext(ctx, update, uuid.UUID(tenantID), uuid.UUID(id),
			string(t.Status), t.ProtocolCode, t.ErrorDetail, t.FinishedAt)
		if postgres.IsUniqueViolation(err) {
			return nil, sentinel.ErrConflict
		}
		if err != nil {
			return nil, fmt.Errorf("update transmission: %w", err)
		}
		return t, nil
	}

	if tx, ok := txcontext.From(ctx); ok {
		return run(ctx, tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transmission tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	t, err := run(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transmission tx: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListByReport(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID) ([]*models.Transmission, error) {
	query := `SELECT ` + transmissionColumns + ` FROM transmissions
		WHERE tenant_id = $1 AND report_id = $2 ORDER BY attempt`
	return s.list(ctx, query, uuid.UUID(tenantID), uuid.UUID(reportID))
}

func (s *PostgresStore) ListStartedBetween(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]*models.Transmission, error) {
	query := `SELECT ` + transmissionColumns + ` FROM transmissions
		WHERE tenant_id = $1 AND started_at >= $2 AND started_at < $3 ORDER BY started_at, attempt`
	return s.list(ctx, query, uuid.UUID(tenantID), from, to)
}

func (s *PostgresStore) ListPendingBefore(ctx context.Context, tenantID domain.TenantID, cutoff time.Time) ([]*models.Transmission, error) {
	query := `SELECT ` + transmissionColumns + ` FROM transmissions
		WHERE tenant_id = $1 AND status = 'pending' AND started_at < $2 ORDER BY started_at, attempt`
	return s.list(ctx, query, uuid.UUID(tenantID), cutoff)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Transmission, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transmissions: %w", err)
	}
	defer rows.Close()
	var out []*models.Transmission
	for rows.Next() {
		t, err := scanTransmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transmission: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transmissions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransmission(row rowScanner) (*models.Transmission, error) {
	var (
		t                      models.Transmission
		id, tenantID, reportID uuid.UUID
		status                 string
		finishedAt             sql.NullTime
	)
	if err := row.Scan(&id, &tenantID, &reportID, &t.Attempt, &status, &t.ProtocolCode, &t.ErrorDetail,
		&t.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	t.ID = domain.TransmissionID(id)
	t.TenantID = domain.TenantID(tenantID)
	t.ReportID = domain.ReportID(reportID)
	t.Status = models.Status(status)
	t.StartedAt = t.StartedAt.UTC()
	if finishedAt.Valid {
		f := finishedAt.Time.UTC()
		t.FinishedAt = &f
	}
	return &t, nil
}
