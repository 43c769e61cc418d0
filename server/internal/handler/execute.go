package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/middleware"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/sandbox"
)

// Execution stream event types: started, stdout|stderr*, then one of
// timeout, completed or error.
const (
	ExecStarted   = "started"
	ExecTimeout   = "timeout"
	ExecCompleted = "completed"
	ExecError     = "error"
)

// ExecEvent is one message of the execution stream.
type ExecEvent struct {
	Type   string                  `json:"type"`
	Data   string                  `json:"data,omitempty"`
	Result *sandbox.ExecutionResult `json:"result,omitempty"`
}

// Execute runs code in the sandbox and streams its output.
// POST /api/execute
// Request body: { code, language?, timeout_seconds?, memory_limit_mb? }
// Response: SSE stream of ExecEvent
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req sandbox.ExecutionRequest
	if err := h.DecodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		h.Error(w, http.StatusBadRequest, "code is required")
		return
	}

	userID := middleware.GetUserID(r.Context())
	if status, msg := h.admitExecution(userID); status != 0 {
		h.Error(w, status, msg)
		return
	}
	defer h.limiter.Release(userID)

	stream := newSSEStream(w)
	// The run is killed if the client goes away.
	h.runExecution(r.Context(), userID, req, func(e ExecEvent) {
		_ = stream.Send(e)
	})
}

// ExecuteWS is the WebSocket form of Execute. The client sends one
// ExecutionRequest and receives ExecEvent frames; the server closes the
// connection after the terminal event.
// GET /api/execute/ws
func (h *Handler) ExecuteWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var mu sync.Mutex
	send := func(v any) {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteJSON(v)
	}
	closeWith := func(code int, text string) {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	}

	conn.SetReadLimit(maxBodyBytes)
	var req sandbox.ExecutionRequest
	if err := conn.ReadJSON(&req); err != nil {
		closeWith(websocket.CloseUnsupportedData, "invalid request")
		return
	}
	if req.Code == "" {
		send(map[string]string{"type": ExecError, "error": "code is required"})
		closeWith(websocket.ClosePolicyViolation, "code is required")
		return
	}

	if status, msg := h.admitExecution(userID); status != 0 {
		send(map[string]string{"type": ExecError, "error": msg})
		closeWith(websocket.ClosePolicyViolation, msg)
		return
	}
	defer h.limiter.Release(userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Any read error means the client closed or dropped the connection.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	h.runExecution(ctx, userID, req, func(e ExecEvent) { send(e) })
	closeWith(websocket.CloseNormalClosure, "done")
}

func (h *Handler) admitExecution(userID string) (int, string) {
	if !h.limiter.Allow(userID) {
		return http.StatusTooManyRequests, "execution rate limit exceeded"
	}
	if !h.limiter.Acquire(userID) {
		return http.StatusConflict, "an execution is already running"
	}
	return 0, ""
}

func (h *Handler) runExecution(ctx context.Context, userID string, req sandbox.ExecutionRequest, emit func(ExecEvent)) {
	h.log.Info("execution requested",
		zap.String("user_id", userID),
		zap.String("language", req.Language),
		zap.Int("code_bytes", len(req.Code)),
	)
	emit(ExecEvent{Type: ExecStarted})

	res := h.sandbox.Run(ctx, req, sandbox.ObserverFunc(func(stream string, data []byte) {
		emit(ExecEvent{Type: stream, Data: string(data)})
	}))

	emit(ExecEvent{Type: terminalType(res), Result: &res})
}

func terminalType(res sandbox.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return ExecTimeout
	case res.ExitCode == -1:
		return ExecError
	}
	return ExecCompleted
}
