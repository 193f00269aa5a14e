package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rxledger/internal/ledger/models"
	"rxledger/internal/platform/postgres"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	txcontext "rxledger/pkg/platform/tx"
)

// PostgresStore persists entries in ledger_entries. A trigger rejects UPDATE and
// DELETE on the table, so append-only holds even for ad-hoc SQL.
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

const entryColumns = `id, tenant_id, medication_id, medication_name, direction, quantity, unit,
	transaction_at, origin, origin_ref, note, created_by, created_at, sequence`

func (s *PostgresStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, tenant_id, medication_id, medication_name, direction, quantity, unit,
			transaction_at, origin, origin_ref, note, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING sequence
	`
	err := s.execer(ctx).QueryRowContext(ctx, query,
		uuid.UUID(entry.ID),
		uuid.UUID(entry.TenantID),
		entry.Medication.ID,
		entry.Medication.Name,
		string(entry.Direction),
		entry.Quantity,
		entry.Unit,
		entry.TransactionAt,
		string(entry.Origin),
		entry.OriginRef,
		entry.Note,
		entry.CreatedBy,
		entry.CreatedAt,
	).Scan(&entry.Sequence)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID domain.TenantID, id domain.EntryID) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE tenant_id = $1 AND id = $2`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(tenantID), uuid.UUID(id))
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Query(ctx context.Context, tenantID domain.TenantID, medicationID string, from, to time.Time) ([]*models.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE tenant_id = $1 AND medication_id = $2 AND transaction_at >= $3 AND transaction_at < $4
		ORDER BY transaction_at, sequence
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(tenantID), medicationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) QueryAll(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]*models.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE tenant_id = $1 AND transaction_at >= $2 AND transaction_at < $3
		ORDER BY transaction_at, sequence
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(tenantID), from, to)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) Medications(ctx context.Context, tenantID domain.TenantID, until time.Time) ([]domain.Medication, error) {
	query := `
		SELECT DISTINCT ON (medication_id) medication_id, medication_name
		FROM ledger_entries
		WHERE tenant_id = $1 AND transaction_at < $2
		ORDER BY medication_id, sequence DESC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(tenantID), until)
	if err != nil {
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer rows.Close()

	var out []domain.Medication
	for rows.Next() {
		var m domain.Medication
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate medications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FirstActivity(ctx context.Context, tenantID domain.TenantID) (time.Time, bool, error) {
	var first sql.NullTime
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT MIN(transaction_at) FROM ledger_entries WHERE tenant_id = $1`,
		uuid.UUID(tenantID),
	).Scan(&first)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query first activity: %w", err)
	}
	return first.Time.UTC(), first.Valid, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var (
		e         models.LedgerEntry
		id        uuid.UUID
		tenantID  uuid.UUID
		direction string
		origin    string
	)
	if err := row.Scan(&id, &tenantID, &e.Medication.ID, &e.Medication.Name, &direction, &e.Quantity, &e.Unit,
		&e.TransactionAt, &origin, &e.OriginRef, &e.Note, &e.CreatedBy, &e.CreatedAt, &e.Sequence); err != nil {
		return nil, err
	}
	e.ID = domain.EntryID(id)
	e.TenantID = domain.TenantID(tenantID)
	e.Direction = models.Direction(direction)
	e.Origin = models.Origin(origin)
	e.TransactionAt = e.TransactionAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.LedgerEntry, error) {
	defer rows.Close()
	var out []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return out, nil
}
