package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoints(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	mustUnmarshal(t, w, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "test", health["version"])

	w = env.request(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot map[string]int64
	mustUnmarshal(t, w, &snapshot)
	assert.Contains(t, snapshot, "tickets_created")
}
