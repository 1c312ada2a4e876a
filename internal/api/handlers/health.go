package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinicdesk/opd-console/pkg/circuitbreaker"
)

// Version is reported by /health
var Version = "dev"

// Pinger is a dependency that must answer for the console to be ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Breakers reports upstream breaker state
type Breakers interface {
	Health() []circuitbreaker.HealthStatus
}

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	breakers Breakers
	checks   map[string]Pinger
}

// NewHealthHandler creates a new handler. checks may be empty.
func NewHealthHandler(service string, breakers Breakers, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{service: service, breakers: breakers, checks: checks}
}

// Routes registers /health and /ready on r
func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": Version,
	}, http.StatusOK)
}

// ReadyResponse describes readiness
type ReadyResponse struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks,omitempty"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

// Ready handles GET /ready. An open HMS breaker or a failing dependency
// makes the console unready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Health()
		for _, b := range resp.Breakers {
			if !b.Healthy {
				code = http.StatusServiceUnavailable
			}
		}
	}
	if resp.Breakers == nil {
		resp.Breakers = []circuitbreaker.HealthStatus{}
	}
	if code != http.StatusOK {
		resp.Status = "not ready"
	}
	jsonResponse(w, resp, code)
}
