// Package middleware provides the HTTP middleware chain of the videoflow API
// and the JSON error envelope every handler error is rendered into.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// statusRecorder remembers the status and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// RequestID reuses the caller's X-Request-ID or assigns a fresh one, echoes
// it back and stores it in the request context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
	})
}

// Logging writes one record per request; 4xx log at warn and 5xx at error.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			reqLog := log.FromContext(r.Context())

			reqLog.Debug("request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			next.ServeHTTP(rec, r)

			emit := reqLog.Info
			switch {
			case rec.status >= 500:
				emit = reqLog.Error
			case rec.status >= 400:
				emit = reqLog.Warn
			}
			emit("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"size", rec.size,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				log.FromContext(r.Context()).Error("panic recovered",
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				WriteErrorResponse(w, errors.CodeInternal, "internal server error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutWriter serializes writes between the handler goroutine and the
// timeout path. Once timedOut is set, handler writes are discarded.
type timeoutWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	header      http.Header
	timedOut    bool
	wroteHeader bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.header }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	dst := tw.w.Header()
	for k, v := range tw.header {
		dst[k] = v
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.writeHeaderLocked(http.StatusOK)
	return tw.w.Write(b)
}

// Timeout bounds each request with a context deadline and answers 504 when
// the handler has not written anything by then.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{w: w, header: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case p := <-panicked:
				panic(p)
			case <-ctx.Done():
				tw.mu.Lock()
				if tw.wroteHeader || ctx.Err() != context.DeadlineExceeded {
					tw.mu.Unlock()
					// The response is already under way; let the handler finish it.
					select {
					case <-done:
					case p := <-panicked:
						panic(p)
					}
					return
				}
				tw.timedOut = true
				tw.mu.Unlock()
				WriteErrorResponse(w, errors.CodeTimeout, "request timeout", nil)
			}
		})
	}
}

// ErrorHandlerFunc is a handler that reports failure by returning an error.
type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler adapts fn to http.HandlerFunc, rendering returned errors.
func WrapHandler(log *logger.Logger, fn ErrorHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			HandleError(w, r, log, err)
		}
	}
}

// HandleError logs err and writes its envelope with the status its code
// maps to. Server-side failures are logged with the captured stack.
func HandleError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	code := errors.GetCode(err)
	status := errors.GetHTTPStatus(err)
	fields := errors.GetFields(err)

	attrs := []any{
		"error", err.Error(),
		"code", string(code),
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
	}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}

	reqLog := log.FromContext(r.Context())
	if status < 500 {
		reqLog.Warn("request error", attrs...)
	} else {
		var coded *errors.Error
		if errors.As(err, &coded) && len(coded.Stack) > 0 {
			attrs = append(attrs, "stack", coded.StackTrace())
		}
		reqLog.Error("request failed", attrs...)
	}

	WriteErrorResponse(w, code, err.Error(), fields)
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    errors.Code       `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteErrorResponse writes {"error":{"code","message","details"}}.
func WriteErrorResponse(w http.ResponseWriter, code errors.Code, message string, details map[string]any) {
	body := errorEnvelope{Error: errorBody{Code: code, Message: message}}
	if len(details) > 0 {
		body.Error.Details = make(map[string]string, len(details))
		for k, v := range details {
			body.Error.Details[k] = detailString(v)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader((&errors.Error{Code: code}).HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func detailString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
