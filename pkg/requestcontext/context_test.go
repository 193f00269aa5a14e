package requestcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestEnsureRequestID(t *testing.T) {
	t.Run("keeps existing id", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-1")
		assert.Equal(t, "req-1", RequestID(EnsureRequestID(ctx)))
	})

	t.Run("generates when missing", func(t *testing.T) {
		ctx := EnsureRequestID(context.Background())
		assert.NotEmpty(t, RequestID(ctx))
	})
}
