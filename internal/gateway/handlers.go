package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nimbuslabs/edge-gateway/internal/health"
	"github.com/nimbuslabs/edge-gateway/internal/metrics"
)

// aggregateHealthResponse is the body of GET /health.
type aggregateHealthResponse struct {
	Status          health.Status          `json:"status"`
	Services        []health.ServiceHealth `json:"services"`
	HealthyServices int                    `json:"healthy_services"`
	TotalServices   int                    `json:"total_services"`
	Uptime          string                 `json:"uptime"`
}

// handleHealth reports the aggregate platform status and the full per-service
// table.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := g.monitor.Services()
	for _, svc := range services {
		up := 0.0
		if svc.Status == health.StatusHealthy {
			up = 1.0
		}
		metrics.ServiceHealthy.WithLabelValues(svc.Name).Set(up)
	}

	uptime := time.Duration(0)
	if !g.startedAt.IsZero() {
		uptime = time.Since(g.startedAt)
	}

	writeJSON(w, http.StatusOK, aggregateHealthResponse{
		Status:          g.monitor.Aggregate(),
		Services:        services,
		HealthyServices: g.monitor.HealthyCount(),
		TotalServices:   g.monitor.Total(),
		Uptime:          uptime.Round(time.Second).String(),
	})
}

// handleServiceHealth reports a single service's record. Unknown names get
// the monitor's synthetic unhealthy record; nothing is created for them.
func (g *Gateway) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writeJSON(w, http.StatusOK, g.monitor.Service(name))
}

// handleRoot describes the gateway and its route groups.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	groups := make(map[string]string, len(g.table.routes))
	for _, rt := range g.table.routes {
		groups[rt.prefix] = rt.service
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "edge-gateway",
		"version":     Version,
		"environment": g.cfg.Environment,
		"routes":      groups,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
