package obs

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	gateDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_denials_total",
			Help: "Requests rejected by a pipeline stage.",
		},
		[]string{"stage", "kind"},
	)

	apiTokenAuth = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_token_auth_total",
			Help: "Store token authentication attempts by result.",
		},
		[]string{"result"},
	)

	invalidationSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_steps_total",
			Help: "Security invalidation sub-steps by outcome.",
		},
		[]string{"step", "result"},
	)

	initOnce sync.Once
)

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			gateDenials, apiTokenAuth, invalidationSteps)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountDenial records a rejected request at the given stage.
func CountDenial(stage, kind string) {
	gateDenials.WithLabelValues(stage, kind).Inc()
}

// CountTokenAuth records a store token authentication outcome.
func CountTokenAuth(result string) {
	apiTokenAuth.WithLabelValues(result).Inc()
}

// CountInvalidationStep records one invalidation sub-step outcome.
func CountInvalidationStep(step string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	invalidationSteps.WithLabelValues(step, result).Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		if chi.RouteContext(r.Context()) == nil {
			// заранее кладём контекст chi, чтобы после обработки знать шаблон маршрута
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)
		path := RoutePattern(r)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// RoutePattern returns the matched chi pattern, falling back to CanonicalPath
// so metric label cardinality stays bounded.
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return CanonicalPath(r.URL.Path)
}

// CanonicalPath replaces numeric path segments with ":id".
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
