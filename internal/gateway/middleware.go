package gateway

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	sbotel "github.com/basket/statusboard/internal/otel"
	"github.com/basket/statusboard/internal/shared"
)

// statusCapture wraps ResponseWriter to capture the status code. It passes
// through Flush for SSE and Hijack for websocket upgrades.
type statusCapture struct {
	http.ResponseWriter
	code int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.code = code
	sc.ResponseWriter.WriteHeader(code)
}

func (sc *statusCapture) Flush() {
	if f, ok := sc.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sc *statusCapture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sc.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sc.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (sc *statusCapture) Unwrap() http.ResponseWriter { return sc.ResponseWriter }

// traceMiddleware assigns a trace id (honouring an inbound X-Request-ID),
// opens a server span, and records request duration and an access log line.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" || len(traceID) > 64 {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Request-ID", traceID)

		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := sbotel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path,
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		)
		defer span.End()

		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sc, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(sc.code))
		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.Int("http.status_code", sc.code),
			))
		}
		level := slog.LevelInfo
		if sc.code >= 500 {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "http request",
			append(shared.LogAttrs(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sc.code,
				"duration_ms", elapsed.Milliseconds(),
			)...)
	})
}

// recoveryMiddleware turns a handler panic into a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", append(shared.LogAttrs(r.Context()), "panic", rec, "path", r.URL.Path)...)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
