package worker

import (
	"context"

	audit "rxledger/pkg/platform/audit"
)

// Appender is the write half of audit.Store.
type Appender interface {
	Append(ctx context.Context, event audit.Event) error
}

// Worker drains audit events from a channel into a store. A failed append is
// dropped; the store side reports it.
type Worker struct {
	store Appender
	inbox <-chan audit.Event
}

func New(store Appender, inbox <-chan audit.Event) *Worker {
	return &Worker{store: store, inbox: inbox}
}

// Run returns when the inbox is closed (after draining it) or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			_ = w.store.Append(ctx, event)
		}
	}
}
