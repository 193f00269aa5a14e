package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestIsLockNotAvailable(t *testing.T) {
	assert.True(t, IsLockNotAvailable(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, IsLockNotAvailable(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsLockNotAvailable(&pgconn.PgError{Code: "23505"}))
}
