package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_requests_total",
			Help: "Total HTTP requests by path, method and status.",
		},
		[]string{"path", "method", "status"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_request_duration_seconds",
			Help:    "Request latency by path.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"path", "method"},
	)
	streamingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgate_streaming_active",
			Help: "Streams currently in flight.",
		},
	)
	budgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_budget_rejections_total",
			Help: "Requests rejected by the budget reservation engine.",
		},
	)
)

// StreamStarted and StreamEnded track the in-flight stream gauge.
func StreamStarted() { streamingActive.Inc() }
func StreamEnded()   { streamingActive.Dec() }

// BudgetRejected counts a pre-flight budget rejection.
func BudgetRejected() { budgetRejections.Inc() }

// Metrics records prometheus counters for every request. Routed patterns
// are preferred over raw paths to bound label cardinality.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := NewStreamingResponseWriter(w)
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		requestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(sw.Status())).Inc()
		requestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}
