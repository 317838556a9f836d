package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/storeforge/internal/telemetry"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// RequestID injects a unique request ID into each request's context and
// response header, preferring a caller-supplied X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs every request with method, path, status, and duration.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// normalizeRoute collapses store-id, uuid, and numeric path segments to
// placeholders so per-entity paths don't blow up metric cardinality. chi's
// RoutePattern() already returns the parameterized pattern (e.g.
// "/stores/{id}") rather than the literal path, which achieves this
// directly; this only guards against a raw path slipping through when no
// route matched (404s).
func normalizeRoute(pattern string) string {
	if pattern == "" {
		return pattern
	}
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		switch {
		case storeIDSegment.MatchString(seg):
			segments[i] = "{id}"
		case uuidSegment.MatchString(seg):
			segments[i] = "{id}"
		case numericSegment.MatchString(seg):
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

var (
	storeIDSegment = regexp.MustCompile(`^store-[0-9a-f]{8}$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
)

// Metrics records request count and duration against the route pattern
// chi resolved, not the raw path, keeping cardinality bounded.
func Metrics(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				if pattern := routeCtx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			route = normalizeRoute(route)

			statusStr := strconv.Itoa(sw.status)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusStr).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route, statusStr).Observe(float64(time.Since(start).Milliseconds()))
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
