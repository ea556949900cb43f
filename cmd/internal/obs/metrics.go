// Package obs registers Prometheus metrics for the relay core and exposes
// the HTTP instrumentation middleware and /metrics handler.
package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neontalk_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neontalk_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neontalk_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neontalk_live_connections",
		Help: "Currently open relay connections.",
	})

	relayDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neontalk_relay_delivered_total",
			Help: "Relay events enqueued to a recipient connection.",
		},
		[]string{"event"},
	)

	relayDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neontalk_relay_dropped_total",
			Help: "Relay events dropped instead of delivered.",
		},
		[]string{"event", "reason"},
	)

	pushFanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neontalk_push_fanout_total",
			Help: "Push fan-out delivery attempts by result.",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			liveConnections, relayDeliveredTotal, relayDroppedTotal,
			pushFanoutTotal,
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ConnOpened / ConnClosed track the live-connection gauge.
func ConnOpened() { liveConnections.Inc() }
func ConnClosed() { liveConnections.Dec() }

// RelayDelivered records a successful enqueue of a relay event.
func RelayDelivered(event string) { relayDeliveredTotal.WithLabelValues(event).Inc() }

// RelayDropped records a dropped relay event with a reason
// ("offline", "backpressure").
func RelayDropped(event, reason string) { relayDroppedTotal.WithLabelValues(event, reason).Inc() }

// PushAttempt records one push delivery attempt result ("ok", "error").
func PushAttempt(result string) { pushFanoutTotal.WithLabelValues(result).Inc() }

// Instrument wraps an http.Handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap preserves optional interfaces (Hijacker, Flusher) for WS upgrades.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
