package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/frahmantamala/credit-ledger/internal/transport"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type HealthResponse struct {
	Status     HealthStatus          `json:"status"`
	CheckedAt  time.Time             `json:"checked_at"`
	Components map[string]CheckEntry `json:"components"`
}

type CheckEntry struct {
	Status     HealthStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
	DurationMs int64        `json:"duration_ms"`
}

// Checker is one dependency probed by the readiness endpoint.
type Checker func(ctx context.Context) error

type HealthHandler struct {
	*transport.BaseHandler
	checks map[string]Checker
}

func NewHealthHandler(base *transport.BaseHandler, checks map[string]Checker) *HealthHandler {
	return &HealthHandler{BaseHandler: base, checks: checks}
}

// Ping handles GET /api/v1/ping
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// Health handles GET /api/v1/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:     HealthHealthy,
		Components: make(map[string]CheckEntry, len(h.checks)),
	}
	for name, check := range h.checks {
		start := time.Now()
		entry := CheckEntry{Status: HealthHealthy}
		if err := check(ctx); err != nil {
			entry.Status = HealthUnhealthy
			entry.Message = err.Error()
			resp.Status = HealthUnhealthy
		}
		entry.CheckedAt = time.Now()
		entry.DurationMs = time.Since(start).Milliseconds()
		resp.Components[name] = entry
	}
	resp.CheckedAt = time.Now()

	status := http.StatusOK
	if resp.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.WriteJSON(w, status, resp)
}
