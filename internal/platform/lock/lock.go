// Package lock serializes writers of a single ledger period across replicas.
//
// Production uses Redis (bsm/redislock); tests and single-replica deployments use
// the in-process Keyed locker. Both return sentinel.ErrLocked when the lock cannot
// be obtained before the context ends or the retry budget is spent.
package lock

import (
	"context"
	"fmt"

	"rxledger/pkg/domain"
)

// Locker obtains exclusive, expiring locks by key.
type Locker interface {
	Obtain(ctx context.Context, key string) (Lock, error)
}

// Lock is a held lock. Release is idempotent from the caller's perspective.
type Lock interface {
	Release(ctx context.Context) error
}

// PeriodKey is the lock key guarding one (tenant, medication, period).
func PeriodKey(tenantID domain.TenantID, medicationID string, period domain.Period) string {
	return fmt.Sprintf("rxledger:period:%s:%s:%s", tenantID, medicationID, period)
}

// WithLock runs fn while holding key. The release error is ignored when fn fails.
func WithLock(ctx context.Context, l Locker, key string, fn func(ctx context.Context) error) error {
	held, err := l.Obtain(ctx, key)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	relErr := held.Release(context.WithoutCancel(ctx))
	if fnErr != nil {
		return fnErr
	}
	return relErr
}
