// Package metrics exposes Prometheus collectors for the HTTP surface and the
// progress stream transports.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	streamConnectionsActive    *prometheus.GaugeVec
	streamFramesTotal          *prometheus.CounterVec
	streamDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		streamConnectionsActive = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "progress_stream_connections_active",
				Help: "Open progress stream connections, labeled by transport.",
			},
			[]string{"transport"},
		)

		streamFramesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_stream_frames_total",
				Help: "Frames written to subscribers, labeled by transport and frame kind.",
			},
			[]string{"transport", "kind"},
		)

		streamDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "progress_stream_duration_seconds",
				Help:    "Lifetime of progress stream connections, labeled by transport.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"transport"},
		)
	})
}

// FrameKind collapses a frame tag onto a bounded label value: custom event
// types are producer-defined and would otherwise explode cardinality.
func FrameKind(tag string) string {
	switch tag {
	case "webp":
		return "progress"
	case "heartbeat", "close":
		return tag
	case "":
		return "unknown"
	default:
		return "event"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StreamOpened marks a stream connection as open and returns a function that
// records its close.
func StreamOpened(transport string) func() {
	start := time.Now()
	streamConnectionsActive.WithLabelValues(transport).Inc()
	var closeOnce sync.Once
	return func() {
		closeOnce.Do(func() {
			streamConnectionsActive.WithLabelValues(transport).Dec()
			streamDurationSeconds.WithLabelValues(transport).Observe(time.Since(start).Seconds())
		})
	}
}

// ObserveFrame counts one frame written to a subscriber.
func ObserveFrame(transport, tag string) {
	streamFramesTotal.WithLabelValues(transport, FrameKind(tag)).Inc()
}
