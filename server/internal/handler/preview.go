package handler

import (
	"net/http"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/preview"
)

// PreviewRequest is the body of POST /api/preview.
type PreviewRequest struct {
	HTML       string `json:"html"`
	CSS        string `json:"css"`
	JavaScript string `json:"javascript"`
}

// Preview renders markup into a standalone document.
// POST /api/preview
// Response: text/html
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := h.DecodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	doc := preview.Render(req.HTML, req.CSS, req.JavaScript)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", preview.SandboxHeader)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}
