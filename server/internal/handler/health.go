package handler

import (
	"context"
	"net/http"
	"time"
)

// Health reports liveness and whether the inference server answers.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	upstream := "ok"
	if h.upstream != nil {
		if err := h.upstream.Heartbeat(ctx); err != nil {
			upstream = "unreachable"
		}
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"upstream":           upstream,
		"active_generations": h.generation.Registry().Active(),
		"sandbox_runner":     h.sandbox.RunnerName(),
	})
}
