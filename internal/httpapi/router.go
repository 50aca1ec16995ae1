// Package httpapi assembles the videoflow HTTP API.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"videoflow/internal/httpapi/handlers"
	"videoflow/internal/httpkit"
	"videoflow/internal/metrics"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/pkg/middleware"
)

type Deps struct {
	Handlers handlers.Deps
	Log      *logger.Logger
	// Metrics is served on /metrics when set.
	Metrics        *prometheus.Registry
	CORSOrigins    []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))
	r.Use(instrument)
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{"Location", middleware.RequestIDHeader},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(d.Handlers)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH / METRICS ----
	r.Get("/health", h.Health)
	if d.Metrics != nil {
		r.Handle("/metrics", metrics.Handler(d.Metrics))
	}

	r.Group(func(r chi.Router) {
		if d.RequestTimeout > 0 {
			r.Use(middleware.Timeout(d.RequestTimeout))
		}

		// ---- WORKFLOWS ----
		r.Post("/workflows", wrap(h.StartWorkflow))
		r.Get("/workflows", wrap(func(w http.ResponseWriter, r *http.Request) error {
			if r.URL.Query().Has("video") {
				return h.StartWorkflow(w, r)
			}
			return h.ListWorkflows(w, r)
		}))
		r.Get("/workflows/{instanceId}", wrap(h.GetWorkflow))
		r.Post("/workflows/{instanceId}/signals/{name}", wrap(h.RaiseSignal))

		// ---- APPROVALS ----
		r.Get("/approvals/{code}", wrap(h.SubmitApproval))
		r.Post("/approvals/{code}", wrap(h.SubmitApproval))

		// ---- ARTIFACTS ----
		r.Get("/artifacts/url/*", wrap(h.ArtifactURL))
		r.Get("/artifacts/content/*", wrap(h.ArtifactContent))
	})

	// Uploads can outlast the request timeout.
	r.Post("/videos", wrap(h.UploadVideo))

	return r
}

// instrument counts requests by method, route pattern and status.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}
