package api

import (
	"encoding/json"
	"net/http"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready             bool `json:"ready"`
	TrackedIdentities int  `json:"tracked_identities"`
	CollectorKeys     int  `json:"collector_keys"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports the core structures' sizes; all state is in-memory so
// readiness never degrades on external dependencies.
func (h *Hdl) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Ready:             true,
		TrackedIdentities: h.brk.Stats().TrackedIdentities,
		CollectorKeys:     h.col.Stats().TotalKeys,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
