package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"rxledger/internal/platform/postgres"
	"rxledger/internal/tenant/models"
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

const tenantColumns = `id, name, status, created_at, updated_at`

// CreateIfNameAvailable relies on the unique index over LOWER(name).
func (s *PostgresStore) CreateIfNameAvailable(ctx context.Context, t *models.Tenant) error {
	query := `INSERT INTO tenants (` + tenantColumns + `) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(t.ID), t.Name, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.TenantID) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return s.findOne(ctx, query, uuid.UUID(id))
}

func (s *PostgresStore) FindByName(ctx context.Context, name string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE LOWER(name) = LOWER($1)`
	return s.findOne(ctx, query, name)
}

func (s *PostgresStore) findOne(ctx context.Context, query string, args ...any) (*models.Tenant, error) {
	t, err := scanTenant(s.execer(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find tenant: %w", err)
	}
	return t, nil
}

// Execute locks the row with FOR UPDATE, joining the caller's transaction when
// there is one.
func (s *PostgresStore) Execute(ctx context.Context, id domain.TenantID, validate func(*models.Tenant) error, mutate func(*models.Tenant)) (*models.Tenant, error) {
	if tx, ok := txcontext.From(ctx); ok {
		return s.execute(ctx, tx, id, validate, mutate)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tenant tx: %w", err)
	}
	t, err := s.execute(ctx, sqlTx, id, validate, mutate)
	if err != nil {
		_ = sqlTx.Rollback()
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tenant tx: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) execute(ctx context.Context, exec dbExecutor, id domain.TenantID, validate func(*models.Tenant) error, mutate func(*models.Tenant)) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1 FOR UPDATE`
	t, err := scanTenant(exec.QueryRowContext(ctx, query, uuid.UUID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock tenant: %w", err)
	}
	if err := validate(t); err != nil {
		return nil, err
	}
	mutate(t)
	_, err = exec.ExecContext(ctx,
		`UPDATE tenants SET name = $2, status = $3, updated_at = $4 WHERE id = $1`,
		uuid.UUID(t.ID), t.Name, string(t.Status), t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE status = 'active' ORDER BY LOWER(name)`
	rows, err := s.execer(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()

	var out []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var (
		t      models.Tenant
		id     uuid.UUID
		status string
	)
	if err := row.Scan(&id, &t.Name, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ID = domain.TenantID(id)
	t.Status = models.Status(status)
	return &t, nil
}
