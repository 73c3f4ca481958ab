package admin

import (
	"encoding/json"
	"net/http"

	"github.com/trigon-io/trigon/trigger"
)

// Handlers serves the admin API over a monitor registry.
type Handlers struct {
	registry *trigger.Registry
}

// NewHandlers creates a Handlers instance.
func NewHandlers(registry *trigger.Registry) *Handlers {
	return &Handlers{registry: registry}
}

// handleHealth reports liveness.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleListMonitors returns the status of every running monitor.
func (h *Handlers) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.registry.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
