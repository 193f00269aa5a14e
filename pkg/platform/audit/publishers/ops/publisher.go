// Package ops provides a fire-and-forget publisher for operational audit events.
//
// Events are sampled, then written through a circuit breaker so an unhealthy
// store sheds load instead of slowing the caller. With WithAsyncBuffer the write
// happens on a background worker and a full buffer drops the event.
//
// Use for: balances_calculated, compliance_scan_completed, stale_transmissions_expired.
package ops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "rxledger/pkg/platform/audit"
	"rxledger/pkg/platform/audit/worker"
	"rxledger/pkg/platform/circuit"
	"rxledger/pkg/requestcontext"
)

type Publisher struct {
	store   audit.Store
	sampler *Sampler
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *Metrics

	bufferSize int
	inbox      chan audit.Event
	wg         sync.WaitGroup
	closeOnce  sync.Once
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

func WithSampler(s *Sampler) Option {
	return func(p *Publisher) {
		p.sampler = s
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		p.breaker = b
	}
}

// WithAsyncBuffer moves persistence onto a background worker with a buffer of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		p.bufferSize = n
	}
}

func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:   store,
		sampler: NewSampler(1, nil),
		breaker: circuit.New("audit-ops", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(1)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufferSize > 0 {
		p.inbox = make(chan audit.Event, p.bufferSize)
		w := worker.New(persistFunc(p.persist), p.inbox)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(context.Background())
		}()
	}
	return p
}

// Track records an ops event. It never returns an error and never blocks on a
// full buffer.
func (p *Publisher) Track(ctx context.Context, event audit.OpsEvent) {
	if !p.sampler.Keep(event.Action) {
		p.observe(string(event.Action), outcomeSampled)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	e := event.ToEvent()
	if p.inbox == nil {
		_ = p.persist(ctx, e)
		return
	}
	select {
	case p.inbox <- e:
	default:
		p.observe(e.Action, outcomeOverflow)
		if p.logger != nil {
			p.logger.WarnContext(ctx, "ops audit buffer full, dropping event", "action", e.Action)
		}
	}
}

func (p *Publisher) persist(ctx context.Context, e audit.Event) error {
	if !p.breaker.Allow(time.Now()) {
		p.observe(e.Action, outcomeShed)
		return nil
	}
	if err := p.store.Append(ctx, e); err != nil {
		_, change := p.breaker.RecordFailure()
		p.observe(e.Action, outcomeFailed)
		if p.metrics != nil && change.Opened {
			p.metrics.setBreakerOpen(true)
		}
		if p.logger != nil {
			p.logger.WarnContext(ctx, "ops audit persistence failed",
				"action", e.Action,
				"breaker_opened", change.Opened,
				"error", err,
			)
		}
		return err
	}
	_, change := p.breaker.RecordSuccess()
	p.observe(e.Action, outcomePersisted)
	if p.metrics != nil && change.Closed {
		p.metrics.setBreakerOpen(false)
	}
	return nil
}

func (p *Publisher) observe(action, outcome string) {
	if p.metrics != nil {
		p.metrics.observe(action, outcome)
	}
}

// Close drains the async buffer. Safe to call more than once.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		if p.inbox != nil {
			close(p.inbox)
			p.wg.Wait()
		}
	})
	return nil
}

type persistFunc func(ctx context.Context, e audit.Event) error

func (f persistFunc) Append(ctx context.Context, e audit.Event) error { return f(ctx, e) }
