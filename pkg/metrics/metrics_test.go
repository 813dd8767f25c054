package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raterudder/freephase/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRefresh(t *testing.T) {
	RecordRefresh("test-refresh", types.StatusDegraded, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(refreshes.WithLabelValues("test-refresh", "degraded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(refreshRetries.WithLabelValues("test-refresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(status.WithLabelValues("test-refresh", "degraded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(status.WithLabelValues("test-refresh", "ok")))

	RecordRefresh("test-refresh", types.StatusOK, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(status.WithLabelValues("test-refresh", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(status.WithLabelValues("test-refresh", "degraded")))
}

func TestRecordFetchAndEvents(t *testing.T) {
	RecordFetch("test-endpoint", "ok", 120*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(fetchRequests.WithLabelValues("test-endpoint", "ok")))

	RecordEvent("test-events", types.EventPhaseChanged)
	RecordEvent("test-events", types.EventPhaseChanged)
	assert.Equal(t, 2.0, testutil.ToFloat64(events.WithLabelValues("test-events", "phase_changed")))

	SetDataAge("test-events", 90*time.Second)
	assert.Equal(t, 90.0, testutil.ToFloat64(dataAge.WithLabelValues("test-events")))
}

func TestHandler(t *testing.T) {
	RecordPublishFailure("test-publisher")

	h := InstrumentHandler("GET /metrics", Handler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `freephase_publish_failures_total{publisher="test-publisher"} 1`)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "GET /metrics", "200")))
}
