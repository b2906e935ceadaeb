package httpapi

import "net/http"

// handlePerfStages reports the latency window: time per delegator state, per
// capability and per finished turn.
func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}
