package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"rxledger/pkg/domain"
	txcontext "rxledger/pkg/platform/tx"
)

// PostgresSource reads the dispensation_events table written by the prescription module.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresSource) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Insert stores dispensations; existing (tenant, id) rows are left as they are.
func (s *PostgresSource) Insert(ctx context.Context, tenantID domain.TenantID, events ...domain.DispensationEvent) error {
	query := `
		INSERT INTO dispensation_events (
			id, tenant_id, prescription_item_id, medication_id, medication_name, quantity, unit,
			prescriber_name, prescriber_license, prescriber_region, patient_name, patient_document, dispensed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`
	for _, ev := range events {
		_, err := s.execer(ctx).ExecContext(ctx, query,
			ev.ID, uuid.UUID(tenantID), ev.PrescriptionItemID, ev.Medication.ID, ev.Medication.Name,
			ev.Quantity, ev.Unit, ev.Prescriber.Name, ev.Prescriber.License, ev.Prescriber.Region,
			ev.Patient.Name, ev.Patient.Document, ev.DispensedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert dispensation %s: %w", ev.ID, err)
		}
	}
	return nil
}

func (s *PostgresSource) ListUnreportedDispensations(ctx context.Context, tenantID domain.TenantID, start, end time.Time) ([]domain.DispensationEvent, error) {
	query := `
		SELECT id, prescription_item_id, medication_id, medication_name, quantity, unit,
			prescriber_name, prescriber_license, prescriber_region, patient_name, patient_document, dispensed_at
		FROM dispensation_events
		WHERE tenant_id = $1 AND reported_in IS NULL AND dispensed_at >= $2 AND dispensed_at < $3
		ORDER BY id
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(tenantID), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query dispensations: %w", err)
	}
	defer rows.Close()

	var out []domain.DispensationEvent
	for rows.Next() {
		var ev domain.DispensationEvent
		if err := rows.Scan(&ev.ID, &ev.PrescriptionItemID, &ev.Medication.ID, &ev.Medication.Name,
			&ev.Quantity, &ev.Unit, &ev.Prescriber.Name, &ev.Prescriber.License, &ev.Prescriber.Region,
			&ev.Patient.Name, &ev.Patient.Document, &ev.DispensedAt); err != nil {
			return nil, fmt.Errorf("scan dispensation: %w", err)
		}
		ev.DispensedAt = ev.DispensedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispensations: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) MarkReported(ctx context.Context, tenantID domain.TenantID, reportID domain.ReportID, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := `UPDATE dispensation_events SET reported_in = $2 WHERE tenant_id = $1 AND id = ANY($3::text[])`
	if _, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(tenantID), uuid.UUID(reportID), pq.Array(eventIDs)); err != nil {
		return fmt.Errorf("mark dispensations reported: %w", err)
	}
	return nil
}
