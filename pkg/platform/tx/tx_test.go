package tx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRollsBackNewestFirst(t *testing.T) {
	var undone []string
	err := Memory{}.RunInTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { undone = append(undone, "create") })
		OnRollback(ctx, func() { undone = append(undone, "update") })
		return errors.New("emit failed")
	})
	require.EqualError(t, err, "emit failed")
	assert.Equal(t, []string{"update", "create"}, undone)
}

func TestMemoryKeepsWritesOnSuccess(t *testing.T) {
	undone := false
	err := Memory{}.RunInTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { undone = true })
		return nil
	})
	require.NoError(t, err)
	assert.False(t, undone)
}

func TestMemoryNestedUnitJoinsOuter(t *testing.T) {
	var undone []string
	err := Memory{}.RunInTx(context.Background(), func(ctx context.Context) error {
		inner := Memory{}.RunInTx(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func() { undone = append(undone, "inner") })
			return nil
		})
		require.NoError(t, inner)
		assert.Empty(t, undone, "inner success does not commit on its own")
		return errors.New("outer failed")
	})
	require.Error(t, err)
	assert.Equal(t, []string{"inner"}, undone)
}

func TestOnRollbackOutsideUnitIsDropped(t *testing.T) {
	called := false
	OnRollback(context.Background(), func() { called = true })
	assert.False(t, called)
}

func TestMemoryRefusesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := Memory{}.RunInTx(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}
