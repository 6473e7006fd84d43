// Package health provides the HTTP health check handlers of the proxy.
//
// The package exposes two endpoints:
//
//   - /ping: liveness probe; always returns 200 with {"status":"ok"}.
//   - /health: health report; always returns 200 with {"status":"healthy"}
//     plus a "checks" map describing each registered [Checker].
//
// Both endpoints answer 200 as long as the process serves HTTP: the proxy
// stays available to clients even when a dependency is degraded, so failing
// checks are diagnostic detail in the body, not a status-code change.
// Container orchestrators key on the 200; operators read the checks map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single check may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "backend",
	// "tools"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the /ping and /health endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /health
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Ping is a liveness probe that always returns 200 with {"status":"ok"}.
// A running process that can serve HTTP is considered alive.
func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Health reports {"status":"healthy"} with 200 unconditionally. Each
// registered [Checker] runs with a [checkTimeout] deadline derived from the
// request context and contributes one entry to the checks map.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var checks map[string]string
	if len(h.checkers) > 0 {
		checks = make(map[string]string, len(h.checkers))
	}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
		} else {
			checks[c.Name] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, result{Status: "healthy", Checks: checks})
}

// Register adds the /ping and /health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", h.Ping)
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
