package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpsRouter(t *testing.T) {
	t.Run("healthz ok when checks pass", func(t *testing.T) {
		h := NewOpsRouter(map[string]HealthCheck{
			"db": func(context.Context) error { return nil },
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("healthz unavailable when a check fails", func(t *testing.T) {
		h := NewOpsRouter(map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("down") },
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "redis")
	})

	t.Run("metrics served", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewOpsRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
