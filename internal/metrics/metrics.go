package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// SamplesIngested counts courier position samples by outcome (stored, rejected).
	SamplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_samples_total", Help: "Courier position samples by outcome."},
		[]string{"outcome"},
	)
	// SessionTransitions counts coordinator decisions by action and resulting status.
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_transitions_total", Help: "Session transitions by action and resulting status."},
		[]string{"action", "status"},
	)
	// ArrivalsLatched counts sessions whose arrival flag flipped.
	ArrivalsLatched = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "session_arrivals_total", Help: "Sessions that latched the arrival flag."},
	)

	// Notifications counts notification delivery outcomes by sink, event type and status
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_total", Help: "Notification deliveries by sink, event type and status."},
		[]string{"sink", "event_type", "status"},
	)
	// NotificationLatency tracks webhook delivery latencies in milliseconds
	NotificationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notification_delivery_latency_ms", Help: "Notification delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"sink", "status"},
	)
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(SamplesIngested)
		Registry.MustRegister(SessionTransitions)
		Registry.MustRegister(ArrivalsLatched)
		Registry.MustRegister(Notifications)
		Registry.MustRegister(NotificationLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
