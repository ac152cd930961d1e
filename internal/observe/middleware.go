package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel collapses per-call path segments so metric cardinality stays
// bounded by the route table, not by call volume.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/calls/"):
		rest := strings.TrimPrefix(path, "/calls/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/calls/{id}" + rest[i:]
		}
		return "/calls/{id}"
	case strings.HasPrefix(path, "/audio/"):
		return "/audio/{clip}"
	default:
		return path
	}
}

// quietRoute reports whether path is a probe or scrape endpoint whose
// completions should not flood the request log.
func quietRoute(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// Middleware returns an [http.Handler] that wraps every route with the
// telemetry the call pipeline depends on:
//
//  1. W3C Trace Context is extracted from incoming request headers (or a new
//     trace is started) and an OTel server span covers the request.
//  2. The X-Correlation-ID response header carries the trace ID so a carrier
//     webhook retry can be matched to its original processing.
//  3. Carrier webhooks (POST under /voice/) have their CallSid attached to
//     the span and the request context, so every downstream log line and the
//     completion log carry the call id.
//  4. Request duration lands in [Metrics.HTTPRequestDuration] keyed by
//     method, normalized route, and status code.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			// Carrier webhooks are form-encoded; parsing here caches the
			// values on the request, so handlers read the same parse.
			callID := ""
			if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/voice/") &&
				strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
				if err := r.ParseForm(); err == nil {
					callID = r.PostForm.Get("CallSid")
				}
			}
			if callID != "" {
				span.SetAttributes(attribute.String("call.sid", callID))
				ctx = ContextWithCallID(ctx, callID)
			}

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("status", strconv.Itoa(rec.statusCode)),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			level := slog.LevelInfo
			if quietRoute(r.URL.Path) {
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			if callID != "" {
				attrs = append(attrs, slog.String("call_id", callID))
			}
			slog.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}
