// Package compliance writes the audit events a regulator may ask for: every
// ledger movement, physical count, balance closing and reporting step.
//
// Emit is synchronous and fail-closed. With the postgres store the event lands
// in the outbox inside the caller's transaction, so an operation and its audit
// record commit or roll back together. A caller that gets an error from Emit
// must abort its operation.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/clock"
	"rxledger/pkg/requestcontext"
)

// ErrInvalidEvent is returned for events that must never reach the trail.
var ErrInvalidEvent = errors.New("invalid compliance event")

type Publisher struct {
	store   audit.Store
	logger  *slog.Logger
	metrics *Metrics
	clock   clock.Clock
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithClock stamps events that arrive without a timestamp.
func WithClock(c clock.Clock) Option {
	return func(p *Publisher) {
		p.clock = c
	}
}

func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store: store,
		clock: clock.System{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit validates and persists event. Operational actions are rejected; they
// belong to the sampled ops publisher.
func (p *Publisher) Emit(ctx context.Context, event audit.ComplianceEvent) error {
	if err := validate(event); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.clock.Now()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	start := time.Now()
	if err := p.store.Append(ctx, event.ToEvent()); err != nil {
		if p.metrics != nil {
			p.metrics.IncFailed(event.Action)
		}
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "compliance audit write failed, aborting operation",
				"action", event.Action,
				"tenant_id", event.TenantID,
				"subject", event.Subject,
				"error", err,
			)
		}
		return fmt.Errorf("persist compliance event %s: %w", event.Action, err)
	}
	if p.metrics != nil {
		p.metrics.IncEmitted(event.Action)
		p.metrics.ObserveWrite(start)
	}
	return nil
}

func validate(event audit.ComplianceEvent) error {
	switch {
	case event.TenantID.IsNil():
		return fmt.Errorf("%w: tenant is required", ErrInvalidEvent)
	case event.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidEvent)
	case event.Action.Category() != audit.CategoryCompliance:
		return fmt.Errorf("%w: %s is an operational action", ErrInvalidEvent, event.Action)
	case event.Subject == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidEvent)
	}
	return nil
}
