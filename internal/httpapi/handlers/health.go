package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"videoflow/internal/httpkit"
)

const checkTimeout = 5 * time.Second

// Health reports liveness. With deep=true it also probes every configured
// dependency and reports "degraded" when one of them fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": h.serviceName,
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for name, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "check", name, "error", check["error"])
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

// deepHealthCheck runs every check, storage included, one after another.
func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]map[string]any, len(names)+1)
	for _, name := range names {
		checks[name] = runCheck(ctx, h.checks[name])
	}
	if h.sp != nil {
		res := runCheck(ctx, h.sp.Check)
		res["provider"] = h.sp.Provider()
		checks["storage"] = res
	}
	return checks
}

func runCheck(ctx context.Context, check Check) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := check(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
