// Package outbox relays audit rows written by the PostgreSQL audit store to Kafka.
//
// Each batch is claimed with FOR UPDATE SKIP LOCKED inside one transaction, so
// several replicas can relay concurrently without publishing a row twice in the
// common case. Publishing is at-least-once: a crash between produce and commit
// republishes the batch and consumers deduplicate on the event id.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"rxledger/internal/platform/kafka"
)

// Entry is one unpublished outbox row.
type Entry struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// Publisher is the Kafka side of the relay.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

type Relay struct {
	db        *sql.DB
	publisher Publisher
	topic     string
	batch     int
	logger    *slog.Logger
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func NewRelay(db *sql.DB, publisher Publisher, topic string, opts ...Option) *Relay {
	r := &Relay{db: db, publisher: publisher, topic: topic, batch: 100}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RelayOnce publishes at most one batch and returns how many rows were published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, kafka.Message{
			Topic: r.topic,
			// keyed by tenant to keep a tenant's audit trail ordered
			Key:   []byte(e.AggregateID),
			Value: e.Payload,
			Headers: map[string]string{
				"event_type": e.EventType,
				"outbox_id":  e.ID.String(),
			},
		})
		ids = append(ids, e.ID.String())
	}
	if err := r.publisher.Publish(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("publish outbox batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox SET published_at = $1 WHERE id = ANY($2::uuid[])`,
		time.Now().UTC(), pq.Array(ids),
	); err != nil {
		return 0, fmt.Errorf("mark outbox batch published: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	return len(entries), nil
}

// Run relays until ctx ends, draining full batches back to back and sleeping
// interval when the outbox is empty or a batch failed.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && r.logger != nil {
			r.logger.ErrorContext(ctx, "outbox relay failed", "error", err)
		}
		if err == nil && n == r.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return out, nil
}
