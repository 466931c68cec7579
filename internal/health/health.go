// Package health serves the liveness and readiness probes of the broker.
//
//   - /healthz — liveness; a process that answers HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered check passes.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// "checks" map naming each probe's result.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil while the dependency
// is usable and must respect context cancellation.
type Check struct {
	// Name labels the probe in the JSON response ("ledger", "backends").
	Name string

	// Probe examines the dependency.
	Probe func(ctx context.Context) error
}

// Pinger covers pgxpool.Pool and anything else with a Ping method.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LedgerCheck probes the billing database.
func LedgerCheck(p Pinger) Check {
	return Check{Name: "ledger", Probe: p.Ping}
}

// BackendCheck reports ready once at least one LLM backend is configured.
// Backends are dialled lazily per request, so configuration presence is the
// strongest signal available without spending tokens.
func BackendCheck(backendNames []string) Check {
	return Check{Name: "backends", Probe: func(context.Context) error {
		if len(backendNames) == 0 {
			return errors.New("no LLM backends configured")
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates checks on each /readyz request. The check list is fixed
// at construction; the handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a Handler over the given checks, evaluated in order.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only when every check passes; each check runs under a
// checkTimeout deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	ok := true

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
			continue
		}
		checks[c.Name] = "ok"
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
