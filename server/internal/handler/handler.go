package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/config"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/generation"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/sandbox"
)

// maxBodyBytes bounds JSON request bodies (code and markup included).
const maxBodyBytes = 2 << 20

// Pinger checks that the upstream inference server is reachable.
type Pinger interface {
	Heartbeat(ctx context.Context) error
}

// Handler contains all HTTP handlers
type Handler struct {
	cfg        *config.Config
	log        *zap.Logger
	generation *generation.Service
	sandbox    *sandbox.Sandbox
	upstream   Pinger
	limiter    *userLimiter
	upgrader   websocket.Upgrader
}

// New creates a new Handler.
func New(cfg *config.Config, gen *generation.Service, sb *sandbox.Sandbox, upstream Pinger, log *zap.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		log:        log,
		generation: gen,
		sandbox:    sb,
		upstream:   upstream,
		limiter:    newUserLimiter(cfg.ExecuteRate, cfg.ExecuteBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.CORSOrigins),
		},
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// ServiceError maps a generation error to a response.
func (h *Handler) ServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, generation.ErrConflict):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, generation.ErrNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, generation.ErrInvalidRequest), errors.Is(err, generation.ErrNotPartial):
		h.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
