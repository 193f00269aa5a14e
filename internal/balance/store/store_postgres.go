package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rxledger/internal/balance/models"
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

const balanceColumns = `id, tenant_id, medication_id, medication_name, period_year, period_month,
	opening_balance, total_in, total_out, closing_balance, physical_count, discrepancy,
	discrepancy_reason, status, calculated_at, closed_at, closed_by`

// SaveOpen upserts on (tenant, medication, period). The update only applies while
// the stored row is open; a closed row yields sentinel.ErrInvalidState.
func (s *PostgresStore) SaveOpen(ctx context.Context, b *models.MonthlyBalance) error {
	query := `
		INSERT INTO monthly_balances (` + balanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (tenant_id, medication_id, period_year, period_month) DO UPDATE SET
			medication_name = EXCLUDED.medication_name,
			opening_balance = EXCLUDED.opening_balance,
			total_in = EXCLUDED.total_in,
			total_out = EXCLUDED.total_out,
			closing_balance = EXCLUDED.closing_balance,
			physical_count = EXCLUDED.physical_count,
			discrepancy = EXCLUDED.discrepancy,
			discrepancy_reason = EXCLUDED.discrepancy_reason,
			calculated_at = EXCLUDED.calculated_at
		WHERE monthly_balances.status = 'open'
		RETURNING id
	`
	var id uuid.UUID
	err := s.execer(ctx).QueryRowContext(ctx, query, balanceArgs(b)...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("upsert monthly balance: %w", err)
	}
	b.ID = domain.BalanceID(id)
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID) (*models.MonthlyBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM monthly_balances WHERE tenant_id = $1 AND id = $2`
	return s.findOne(ctx, query, uuid.UUID(tenantID), uuid.UUID(id))
}

func (s *PostgresStore) FindByPeriod(ctx context.Context, tenantID domain.TenantID, medicationID string, period domain.Period) (*models.MonthlyBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM monthly_balances
		WHERE tenant_id = $1 AND medication_id = $2 AND period_year = $3 AND period_month = $4`
	return s.findOne(ctx, query, uuid.UUID(tenantID), medicationID, period.Year, int(period.Month))
}

func (s *PostgresStore) findOne(ctx context.Context, query string, args ...any) (*models.MonthlyBalance, error) {
	b, err := scanBalance(s.execer(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find monthly balance: %w", err)
	}
	return b, nil
}

// Execute locks the row FOR UPDATE, runs validate then mutate, and writes the
// mutable columns back. It joins the caller's transaction when present.
func (s *PostgresStore) Execute(ctx context.Context, tenantID domain.TenantID, id domain.BalanceID, validate func(*models.MonthlyBalance) error, mutate func(*models.MonthlyBalance)) (*models.MonthlyBalance, error) {
	run := func(ctx context.Context, tx *sql.Tx) (*models.MonthlyBalance, error) {
		query := `SELECT ` + balanceColumns + ` FROM monthly_balances WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
		b, err := scanBalance(tx.QueryRowContext(ctx, query, uuid.UUID(tenantID), uuid.UUID(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lock monthly balance: %w", err)
		}
		if err := validate(b); err != nil {
			return nil, err
		}
		mutate(b)

		update := `
			UPDATE monthly_balances SET
				opening_balance = $3, total_in = $4, total_out = $5, closing_balance = $6,
				physical_count = $7, discrepancy = $8, discrepancy_reason = $9,
				status = $10, calculated_at = $11, closed_at = $12, closed_by = $13
			WHERE tenant_id = $1 AND id = $2
		`
		if _, err := tx.ExecContext(ctx, update,
			uuid.UUID(tenantID), uuid.UUID(id),
			b.OpeningBalance, b.TotalIn, b.TotalOut, b.ClosingBalance,
			b.PhysicalCount, b.Discrepancy, b.DiscrepancyReason,
			string(b.Status), b.CalculatedAt, b.ClosedAt, b.ClosedBy,
		); err != nil {
			return nil, fmt.Errorf("update monthly balance: %w", err)
		}
		return b, nil
	}

	if tx, ok := txcontext.From(ctx); ok {
		return run(ctx, tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin balance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	b, err := run(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit balance tx: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListByPeriod(ctx context.Context, tenantID domain.TenantID, period domain.Period) ([]*models.MonthlyBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM monthly_balances
		WHERE tenant_id = $1 AND period_year = $2 AND period_month = $3
		ORDER BY medication_id`
	return s.list(ctx, query, uuid.UUID(tenantID), period.Year, int(period.Month))
}

func (s *PostgresStore) ListByStatus(ctx context.Context, tenantID domain.TenantID, status models.Status) ([]*models.MonthlyBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM monthly_balances
		WHERE tenant_id = $1 AND status = $2
		ORDER BY period_year, period_month, medication_id`
	return s.list(ctx, query, uuid.UUID(tenantID), string(status))
}

func (s *PostgresStore) ListAll(ctx context.Context, tenantID domain.TenantID) ([]*models.MonthlyBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM monthly_balances
		WHERE tenant_id = $1
		ORDER BY period_year, period_month, medication_id`
	return s.list(ctx, query, uuid.UUID(tenantID))
}

// ClosedAtOrAfter implements the ledger's period guard. Inside a transaction the
// rows are share-locked so a concurrent close waits for the append to commit.
func (s *PostgresStore) ClosedAtOrAfter(ctx context.Context, tenantID domain.TenantID, medicationID string, period domain.Period) (bool, error) {
	query := `SELECT status FROM monthly_balances
		WHERE tenant_id = $1 AND medication_id = $2 AND (period_year, period_month) >= ($3, $4)`
	if _, ok := txcontext.From(ctx); ok {
		query += ` FOR SHARE`
	}
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(tenantID), medicationID, period.Year, int(period.Month))
	if err != nil {
		return false, fmt.Errorf("check period status: %w", err)
	}
	defer rows.Close()

	closed := false
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return false, fmt.Errorf("scan period status: %w", err)
		}
		if models.Status(status) == models.StatusClosed {
			closed = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("check period status: %w", err)
	}
	return closed, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.MonthlyBalance, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query monthly balances: %w", err)
	}
	defer rows.Close()

	var out []*models.MonthlyBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monthly balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monthly balances: %w", err)
	}
	return out, nil
}

func balanceArgs(b *models.MonthlyBalance) []any {
	return []any{
		uuid.UUID(b.ID),
		uuid.UUID(b.TenantID),
		b.Medication.ID,
		b.Medication.Name,
		b.Period.Year,
		int(b.Period.Month),
		b.OpeningBalance,
		b.TotalIn,
		b.TotalOut,
		b.ClosingBalance,
		b.PhysicalCount,
		b.Discrepancy,
		b.DiscrepancyReason,
		string(b.Status),
		b.CalculatedAt,
		b.ClosedAt,
		b.ClosedBy,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*models.MonthlyBalance, error) {
	var (
		b        models.MonthlyBalance
		id       uuid.UUID
		tenantID uuid.UUID
		month    int
		status   string
		closedAt sql.NullTime
	)
	err := row.Scan(&id, &tenantID, &b.Medication.ID, &b.Medication.Name, &b.Period.Year, &month,
		&b.OpeningBalance, &b.TotalIn, &b.TotalOut, &b.ClosingBalance, &b.PhysicalCount, &b.Discrepancy,
		&b.DiscrepancyReason, &status, &b.CalculatedAt, &closedAt, &b.ClosedBy)
	if err != nil {
		return nil, err
	}
	b.ID = domain.BalanceID(id)
	b.TenantID = domain.TenantID(tenantID)
	b.Period.Month = time.Month(month)
	b.Status = models.Status(status)
	b.CalculatedAt = b.CalculatedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		b.ClosedAt = &t
	}
	return &b, nil
}
