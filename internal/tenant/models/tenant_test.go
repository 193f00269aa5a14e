package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
)

func TestNewTenant(t *testing.T) {
	now := time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)

	t.Run("trims and activates", func(t *testing.T) {
		tenant, err := NewTenant(domain.NewTenantID(), "  Clinica Sol  ", now)
		require.NoError(t, err)
		assert.Equal(t, "Clinica Sol", tenant.Name)
		assert.True(t, tenant.IsActive())
		assert.Equal(t, now, tenant.CreatedAt)
	})

	t.Run("rejects blank and oversized names", func(t *testing.T) {
		_, err := NewTenant(domain.NewTenantID(), "   ", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		_, err = NewTenant(domain.NewTenantID(), strings.Repeat("x", 129), now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestTenantStatusTransitions(t *testing.T) {
	now := time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)
	tenant, err := NewTenant(domain.NewTenantID(), "Clinica Sol", now)
	require.NoError(t, err)

	require.Error(t, tenant.CanReactivate())
	require.NoError(t, tenant.CanDeactivate())
	tenant.ApplyDeactivation(now.Add(time.Hour))
	assert.False(t, tenant.IsActive())
	assert.Equal(t, now.Add(time.Hour), tenant.UpdatedAt)

	require.Error(t, tenant.CanDeactivate())
	require.NoError(t, tenant.CanReactivate())
	tenant.ApplyReactivation(now.Add(2 * time.Hour))
	assert.True(t, tenant.IsActive())
	assert.Equal(t, now, tenant.CreatedAt)
}
