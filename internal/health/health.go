// Package health serves the local status endpoints of a running client.
//
//   - /healthz  liveness; always 200 while the process can serve HTTP.
//   - /readyz   readiness; 200 only when every [Checker] passes. A client
//     whose voice channel is closed reports "fail" here but stays alive.
//   - /statusz  a JSON snapshot of the live client state, when a
//     [Snapshotter] is set.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name is the key under which the result appears, e.g. "channel".
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// Snapshotter returns a JSON-encodable view of live state for /statusz.
type Snapshotter func() any

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the status endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	snapshot Snapshotter
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithSnapshot sets the /statusz source and returns h.
func (h *Handler) WithSnapshot(fn Snapshotter) *Handler {
	h.snapshot = fn
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker with a [checkTimeout] deadline derived from the
// request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Statusz writes the current snapshot, or 404 when none is configured.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	if h.snapshot == nil {
		http.NotFound(w, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Register adds the status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// writeJSON encodes v into a buffer first so an encoding failure can still
// produce a clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
