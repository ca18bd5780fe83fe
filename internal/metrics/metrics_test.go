package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge/internal/metrics"
)

func TestCollectorsExposed(t *testing.T) {
	metrics.EventReceived("added")
	metrics.EventDropped()
	metrics.EventUnmatched()
	metrics.EventHandled("language_selection", "ok", 10*time.Millisecond)
	metrics.SetQueueLength(3)
	metrics.SourceReconnect()
	metrics.CRMRequest(http.MethodPatch, http.StatusTooManyRequests)
	metrics.CRMRetry("")

	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	for _, name := range []string{
		`kommobridge_events_received_total{kind="added"}`,
		"kommobridge_events_dropped_total",
		"kommobridge_events_unmatched_total",
		`kommobridge_events_handled_total{handler="language_selection",result="ok"}`,
		"kommobridge_events_handler_duration_seconds",
		"kommobridge_events_queue_length 3",
		"kommobridge_source_reconnects_total",
		`kommobridge_crm_requests_total{method="PATCH",status="429"}`,
		`kommobridge_crm_retries_total{reason="unspecified"}`,
	} {
		require.Contains(t, body, name)
	}
}
