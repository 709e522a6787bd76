// Package catgahttp provides optional HTTP introspection endpoints
// (/healthz, /metrics) for hosts that embed catga behind an HTTP surface.
// It is not a transport for Send/Publish dispatch — spec.md's Non-goals
// exclude transport-wire protocols for messages, not introspection — and
// cmd/catgademo deliberately does not wire this in, staying a thin,
// non-HTTP composition root.
//
// Grounded on the teacher's cmd/outbox/main.go, which mounts a chi.Router
// with go-chi/chi/v5 middleware plus promhttp.Handler for /metrics and a
// liveness/readiness pair for /healthz, trimmed here to the two endpoints a
// library (rather than a full service) needs.
package catgahttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc reports an error if the component it checks is unhealthy.
type CheckFunc func() error

// Router builds a chi.Router exposing /healthz (running every registered
// CheckFunc) and /metrics (a promhttp.Handler over reg).
type Router struct {
	checks []namedCheck
	reg    prometheus.Gatherer
}

type namedCheck struct {
	name  string
	check CheckFunc
}

// New builds a Router gathering metrics from reg.
func New(reg prometheus.Gatherer) *Router {
	return &Router{reg: reg}
}

// AddCheck registers a named health check included in /healthz's response.
func (r *Router) AddCheck(name string, check CheckFunc) {
	r.checks = append(r.checks, namedCheck{name: name, check: check})
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks,omitempty"`
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{Status: "UP", Checks: make([]checkResult, 0, len(r.checks))}
	for _, nc := range r.checks {
		cr := checkResult{Name: nc.name, Status: "UP"}
		if err := nc.check(); err != nil {
			cr.Status = "DOWN"
			cr.Error = err.Error()
			resp.Status = "DOWN"
		}
		resp.Checks = append(resp.Checks, cr)
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "UP" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Handler returns the chi.Router ready to mount or serve directly.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", r.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	return mux
}
