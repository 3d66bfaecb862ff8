package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mpetrun5/bookgrab/internal/logctx"
)

// HTTPMiddleware wraps inbound handlers with a span, request metrics, and a
// completion log line whose level follows the response status.
func HTTPMiddleware(t *Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			rw := wrapResponseWriter(w)

			if t != nil && t.tracer != nil {
				sctx, s := t.tracer.Start(ctx, "http_request")
				s.SetAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", r.URL.Path),
				)

				defer func() {
					s.SetAttributes(attribute.Int("http.status_code", rw.status))

					if rw.status >= http.StatusInternalServerError {
						s.SetStatus(codes.Error, "HTTP "+strconv.Itoa(rw.status))
					}

					s.End()
				}()

				ctx = sctx
			}

			next.ServeHTTP(rw, r.WithContext(ctx))

			duration := time.Since(start)

			if t != nil {
				t.recordHTTPRequest(r.Method, r.URL.Path, statusClass(rw.status), duration)
			}

			logger := logctx.LoggerFromContext(ctx)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"duration_ms", duration.Milliseconds(),
				"request_id", GetRequestID(ctx),
			}

			switch {
			case rw.status >= 500:
				logger.ErrorContext(ctx, "http request completed", attrs...)
			case rw.status >= 400:
				logger.WarnContext(ctx, "http request completed", attrs...)
			default:
				logger.InfoContext(ctx, "http request completed", attrs...)
			}
		})
	}
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter

	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	return rw.ResponseWriter.Write(b)
}

func statusClass(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
