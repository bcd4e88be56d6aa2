package orchestrator

import (
	"encoding/json"
	"net/http"
)

// RegisterRoutes registers the read-only status endpoint on mux. SPEC_FULL
// Update Orchestrator supplement, grounded on the teacher's pod-status API
// mux wiring (pkg/provider/api.go): same http.ServeMux pattern routing
// handler, reduced to the single status surface this domain needs.
func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", o.handleStatus)
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
