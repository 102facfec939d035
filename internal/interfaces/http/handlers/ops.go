package handlers

import (
	"net/http"

	httpContracts "github.com/sawpanic/copyrelay/internal/http"
)

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.inspector.Health(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, health)
}

// Stats handles GET /api/stats. Stale slaves are evicted before counting.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Cleanup handles /api/cleanup, running one maintenance pass on demand.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.maintainer.RunOnce(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, httpContracts.CleanupResponse{
		Status:          "success",
		EventsRemoved:   report.EventsRemoved,
		SlavesRemoved:   report.SlavesRemoved,
		RemainingEvents: report.RemainingEvents,
		Timestamp:       report.Timestamp,
	})
}
