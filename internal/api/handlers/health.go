package handlers

import (
	"encoding/json"
	"net/http"

	"mispbridge/internal/store"
)

// HealthHandler handles liveness and readiness probes
type HealthHandler struct {
	gate    store.MigrationGate
	version string
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(gate store.MigrationGate, version string) *HealthHandler {
	return &HealthHandler{gate: gate, version: version}
}

// Check handles GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.gate != nil && !h.gate.Ready(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "migrating"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
