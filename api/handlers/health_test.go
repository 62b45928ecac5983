package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serveHealth(t *testing.T, h *HealthHandler, path string) (int, HealthStatus) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_Liveness(t *testing.T) {
	h := NewHealthHandler("site", zap.NewNop())
	h.RegisterCheck(NewPingCheck("cdm", func(context.Context) error { return errors.New("down") }))

	for _, path := range []string{"/health", "/healthz"} {
		code, status := serveHealth(t, h, path)
		assert.Equal(t, http.StatusOK, code, "liveness ignores dependency checks")
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "site", status.Role)
	}
}

func TestHealthHandler_ReadyAllPass(t *testing.T) {
	h := NewHealthHandler("central", nil)
	h.RegisterCheck(NewPingCheck("store", func(context.Context) error { return nil }))
	h.RegisterCheck(NewPingCheck("redis", func(context.Context) error { return nil }))

	code, status := serveHealth(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
	require.Len(t, status.Checks, 2)
	assert.Equal(t, "pass", status.Checks["store"].Status)
}

func TestHealthHandler_ReadyFails(t *testing.T) {
	h := NewHealthHandler("site", zap.NewNop())
	h.RegisterCheck(NewPingCheck("cdm", func(context.Context) error { return nil }))
	h.RegisterCheck(NewPingCheck("redis", func(context.Context) error { return errors.New("connection refused") }))

	code, status := serveHealth(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "fail", status.Checks["redis"].Status)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
	assert.Equal(t, "pass", status.Checks["cdm"].Status)
}

func TestHealthHandler_Version(t *testing.T) {
	h := NewHealthHandler("site", nil)
	w := httptest.NewRecorder()
	h.HandleVersion("v1.2.3", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":"v1.2.3","build_time":"2026-01-01","git_commit":"abc123"}`, w.Body.String())
}
