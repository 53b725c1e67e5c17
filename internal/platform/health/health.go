package health

import (
	"context"
	"net/http"

	"aegis/pkg/platform/httputil"
)

// Check reports readiness of one backing dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) bool
}

type Handler struct {
	checks []Check
}

func NewHandler(checks ...Check) *Handler {
	return &Handler{checks: checks}
}

// ServeHTTP returns 200 with per-dependency status, or 503 when any
// dependency fails its probe.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if check.Probe(ctx) {
			deps[check.Name] = "ok"
			continue
		}
		deps[check.Name] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"status": "ok"}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	httputil.WriteJSON(w, status, body)
}
