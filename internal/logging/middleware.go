package logging

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware returns a net/http middleware that logs each request and stores a
// request-scoped logger on the context
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			fields := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", requestID)

			if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
				fields = fields.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
			}

			logger := fields.Logger()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			logger.Debug().Msg("Request started")
			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			var ev *zerolog.Event
			switch {
			case ww.statusCode >= 500:
				ev = logger.Error()
			case ww.statusCode >= 400:
				ev = logger.Warn()
			default:
				ev = logger.Info()
			}
			// route pattern is only known once chi has matched
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				ev = ev.Str("route", rctx.RoutePattern())
			}
			ev.Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Int64("response_size", ww.responseSize).
				Msg("Request completed")
		})
	}
}

// responseWriter captures status and size while passing through streaming and upgrade support
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.responseSize += int64(size)
	return size, err
}

// Flush implements http.Flusher; the SSE handler depends on it
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker; the WebSocket upgrader depends on it
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
