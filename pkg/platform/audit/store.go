package audit

import (
	"context"

	id "rxledger/pkg/domain"
)

// Store persists audit events. Append must honour a transaction carried in ctx
// so the event commits or rolls back with the state change it describes.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByTenant(ctx context.Context, tenantID id.TenantID) ([]Event, error)
}
