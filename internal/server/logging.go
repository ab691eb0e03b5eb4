package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type logFieldsKey struct{}

// requestLog collects the fields handlers attach while serving a request.
// Fields are emitted once, on the completion line.
type requestLog struct {
	mu    sync.Mutex
	attrs []slog.Attr
	index map[string]int
}

func (l *requestLog) set(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[key]; ok {
		l.attrs[i] = slog.String(key, value)
		return
	}
	l.index[key] = len(l.attrs)
	l.attrs = append(l.attrs, slog.String(key, value))
}

func (l *requestLog) snapshot() []slog.Attr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]slog.Attr(nil), l.attrs...)
}

// LoggingMiddleware writes a start line and a completion line per request.
// The completion line carries status, duration and every field added with
// AddLogField; 5xx responses are logged at error level.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := &requestLog{index: make(map[string]int)}
			ctx := context.WithValue(r.Context(), logFieldsKey{}, log)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			base := []slog.Attr{
				slog.String("request_id", GetRequestID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			}
			logger.LogAttrs(ctx, slog.LevelInfo, "request started",
				append(base, slog.String("remote_addr", r.RemoteAddr))...)

			next.ServeHTTP(sw, r.WithContext(ctx))

			attrs := append(base,
				slog.Int("status", sw.status),
				slog.Duration("duration", time.Since(start)))
			attrs = append(attrs, log.snapshot()...)

			level := slog.LevelInfo
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AddLogField attaches key=value to the request's completion log line. A
// later call with the same key overwrites. Empty values and contexts
// outside LoggingMiddleware are ignored.
func AddLogField(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if log, ok := ctx.Value(logFieldsKey{}).(*requestLog); ok {
		log.set(key, value)
	}
}

// AddError records err under the "error" field.
func AddError(ctx context.Context, err error) {
	if err != nil {
		AddLogField(ctx, "error", err.Error())
	}
}
