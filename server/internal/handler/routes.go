package handler

import (
	"github.com/go-chi/chi/v5"
)

// Routes registers the API on r. Identity middleware must already be applied
// to r for everything except /health.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Post("/send", h.ChatSend)
			r.Post("/stop", h.ChatStop)
			r.Post("/continue", h.ChatContinue)
			r.Get("/generation/status", h.GenerationStatus)
			r.Post("/generation/recover", h.GenerationRecover)
			r.Delete("/generation/clear", h.GenerationClear)
		})
		r.Post("/execute", h.Execute)
		r.Get("/execute/ws", h.ExecuteWS)
		r.Post("/preview", h.Preview)
	})
}
