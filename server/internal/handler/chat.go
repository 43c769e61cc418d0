package handler

import (
	"net/http"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/generation"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/middleware"
)

// SendRequest is the body of POST /api/chat/send.
type SendRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Images    []string `json:"images,omitempty"`
}

// SessionRequest names a conversation.
type SessionRequest struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

// ChatSend streams a reply to a new user message.
// POST /api/chat/send
// Response: SSE stream of session, content*, then stopped, error or done
func (h *Handler) ChatSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := h.DecodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	stream := newSSEStream(w)
	err := h.generation.Start(r.Context(), generation.StartRequest{
		UserID:         middleware.GetUserID(r.Context()),
		ConversationID: req.SessionID,
		Message:        req.Message,
		Model:          req.Model,
		Images:         req.Images,
	}, eventEmitter(stream))
	if err != nil && !stream.Started() {
		h.ServiceError(w, err)
	}
}

// ChatContinue extends the partial reply that ends a conversation.
// POST /api/chat/continue
// Request body: { session_id, model? }
func (h *Handler) ChatContinue(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := h.DecodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	stream := newSSEStream(w)
	err := h.generation.Continue(r.Context(), generation.ContinueRequest{
		UserID:         middleware.GetUserID(r.Context()),
		ConversationID: req.SessionID,
		Model:          req.Model,
	}, eventEmitter(stream))
	if err != nil && !stream.Started() {
		h.ServiceError(w, err)
	}
}

// ChatStop raises the stop flag of the running generation.
// POST /api/chat/stop
// Request body: { session_id }
func (h *Handler) ChatStop(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := h.DecodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	key, ok := h.sessionKey(w, r, req.SessionID)
	if !ok {
		return
	}

	partial, found := h.generation.Cancel(key)
	if !found {
		h.JSON(w, http.StatusOK, map[string]any{"success": false, "error": "No active generation"})
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"success": true, "partial_content": partial})
}

// GenerationStatus reports the running generation or stored checkpoint.
// GET /api/chat/generation/status?session_id=
func (h *Handler) GenerationStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	snap, err := h.generation.Status(r.Context(), key)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, snap)
}

// GenerationRecover surfaces an interrupted reply once and stores it.
// POST /api/chat/generation/recover
// Request body: { session_id }
// Response: { recovered: bool, message? }
func (h *Handler) GenerationRecover(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := h.DecodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	key, ok := h.sessionKey(w, r, req.SessionID)
	if !ok {
		return
	}

	msg, err := h.generation.Recover(r.Context(), key)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if msg == nil {
		h.JSON(w, http.StatusOK, map[string]any{"recovered": false})
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"recovered": true, "message": msg})
}

// GenerationClear drops a stored checkpoint.
// DELETE /api/chat/generation/clear?session_id=
func (h *Handler) GenerationClear(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r, r.URL.Query().Get("session_id"))
	if !ok {
		return
	}
	if err := h.generation.Clear(r.Context(), key); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) sessionKey(w http.ResponseWriter, r *http.Request, sessionID string) (checkpoint.Key, bool) {
	key := checkpoint.Key{UserID: middleware.GetUserID(r.Context()), ConversationID: sessionID}
	if err := key.Validate(); err != nil {
		h.Error(w, http.StatusBadRequest, "session_id is required")
		return key, false
	}
	return key, true
}

func eventEmitter(stream *sseStream) generation.Emitter {
	return generation.EmitterFunc(func(e generation.Event) error {
		return stream.Send(e)
	})
}
