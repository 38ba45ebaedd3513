package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/api"
	"go.transitwatch.dev/core/internal/bus"
	"go.transitwatch.dev/core/internal/store"
)

func TestHealthLive(t *testing.T) {
	st := store.NewMemoryStore()
	s := api.NewServer(st, nil, bus.New(zap.NewNop(), 8), nil, nil, nil, zap.NewNop(), 100)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthReadyDegradedWithoutCatalog(t *testing.T) {
	st := store.NewMemoryStore()
	s := api.NewServer(st, nil, bus.New(zap.NewNop(), 8), nil, nil, nil, zap.NewNop(), 100)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"catalog":"catalog_missing"`)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestListAnomaliesEmptyStore(t *testing.T) {
	st := store.NewMemoryStore()
	s := api.NewServer(st, nil, bus.New(zap.NewNop(), 8), nil, nil, nil, zap.NewNop(), 100)

	req := httptest.NewRequest(http.MethodGet, "/anomalies?line=6", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"anomalies":[]`)
}

func TestFeedPositionsUnknownLineReturnsEmptyList(t *testing.T) {
	st := store.NewMemoryStore()
	s := api.NewServer(st, nil, bus.New(zap.NewNop(), 8), nil, nil, nil, zap.NewNop(), 100)

	req := httptest.NewRequest(http.MethodGet, "/feeds/positions/6", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
