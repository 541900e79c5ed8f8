package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_passes_total",
		Help: "Total number of calendar sync passes by kind and result.",
	}, []string{"kind", "result"})

	syncPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_sync_pass_duration_seconds",
		Help:    "Histogram of calendar sync pass durations.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	eventsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_events_upserted_total",
		Help: "Total number of provider events written to the store.",
	})

	eventsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_events_deleted_total",
		Help: "Total number of events removed after provider cancellation.",
	})

	watchRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_watch_registrations_total",
		Help: "Total number of push channel registrations by result.",
	}, []string{"result"})

	refreshCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_refresh_coalesced_total",
		Help: "Total number of refresh requests dropped because a pass was already running.",
	})

	translationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_translation_errors_total",
		Help: "Total number of provider events skipped because they could not be translated.",
	})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveSyncPass records the outcome and latency of one sync pass.
func ObserveSyncPass(kind, result string, start time.Time) {
	syncPassesTotal.WithLabelValues(kind, result).Inc()
	syncPassDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// AddEventsUpserted counts events written during a pass.
func AddEventsUpserted(n int) {
	if n > 0 {
		eventsUpserted.Add(float64(n))
	}
}

// AddEventsDeleted counts cancelled events removed during a pass.
func AddEventsDeleted(n int) {
	if n > 0 {
		eventsDeleted.Add(float64(n))
	}
}

// IncWatchRegistration records a watch registration attempt.
func IncWatchRegistration(result string) {
	watchRegistrations.WithLabelValues(result).Inc()
}

func IncRefreshCoalesced() {
	refreshCoalesced.Inc()
}

func IncTranslationError() {
	translationErrors.Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
