// Package metrics defines the Prometheus collectors of the bridge.
// All collectors are registered with the default registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kommobridge"

var (
	eventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Total number of events received from the source",
		},
		[]string{"kind"},
	)

	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the intake queue stayed full",
		},
	)

	eventsUnmatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "unmatched_total",
			Help:      "Events no handler claimed",
		},
	)

	eventsHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handled_total",
			Help:      "Events processed by a handler",
		},
		[]string{"handler", "result"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_duration_seconds",
			Help:      "Duration of handler invocations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "queue_length",
			Help:      "Number of events waiting in the intake queue",
		},
	)

	sourceReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "reconnects_total",
			Help:      "Total number of source subscription failures followed by a reconnect",
		},
	)

	crmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "requests_total",
			Help:      "Total number of CRM HTTP requests by response status",
		},
		[]string{"method", "status"},
	)

	crmRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "retries_total",
			Help:      "Total number of retried CRM requests",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		eventsReceivedTotal, eventsDroppedTotal, eventsUnmatchedTotal,
		eventsHandledTotal, handlerDuration, queueLength,
		sourceReconnectsTotal, crmRequestsTotal, crmRetriesTotal,
	)
}

func EventReceived(kind string) { eventsReceivedTotal.WithLabelValues(kind).Inc() }

func EventDropped() { eventsDroppedTotal.Inc() }

func EventUnmatched() { eventsUnmatchedTotal.Inc() }

// EventHandled records a handler invocation. result is "ok" or "error".
func EventHandled(handler, result string, took time.Duration) {
	eventsHandledTotal.WithLabelValues(handler, result).Inc()
	handlerDuration.WithLabelValues(handler).Observe(took.Seconds())
}

func SetQueueLength(n int) { queueLength.Set(float64(n)) }

func SourceReconnect() { sourceReconnectsTotal.Inc() }

// CRMRequest records a CRM response. Status 0 stands for a transport failure.
func CRMRequest(method string, status int) {
	crmRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func CRMRetry(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	crmRetriesTotal.WithLabelValues(reason).Inc()
}
