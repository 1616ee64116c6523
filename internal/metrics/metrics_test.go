package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()

	m.ObserveRequest("/api/proposals/{id}", http.MethodGet, http.StatusOK, 20*time.Millisecond)
	m.ObserveRequest("/api/proposals/{id}", http.MethodGet, http.StatusOK, 5*time.Millisecond)
	m.CommandApplied("addBlock")
	m.SaveFinished(SaveConflict)

	assert.InDelta(t, 2, testutil.ToFloat64(m.requests.WithLabelValues("/api/proposals/{id}", http.MethodGet, "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.commands.WithLabelValues("addBlock")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.saves.WithLabelValues(SaveConflict)), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `flowidly_editor_commands_total{op="addBlock"} 1`)
	assert.Contains(t, string(body), "flowidly_http_request_duration_seconds_bucket")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("/", http.MethodGet, http.StatusOK, time.Millisecond)
	m.CommandApplied("addBlock")
	m.SaveFinished(SaveOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
