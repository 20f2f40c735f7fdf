package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvs",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Status server requests by route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cvs",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server request latency.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"method", "route"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cvs",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Status server requests being served.",
	})
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, httpInFlight)
}

// metricsMiddleware labels requests by chi route pattern so that execution
// IDs do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// metricsHandler serves the default registry, which also carries the SSH
// pool and retry metrics.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
