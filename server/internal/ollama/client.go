// Package ollama adapts the Ollama HTTP API to the streaming interface used by
// the generation relay.
package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// Message is one conversation turn sent upstream.
type Message struct {
	Role    string
	Content string
	// Images holds base64 payloads (optionally data: URLs) for vision models.
	Images []string
}

// ChatRequest is a streaming chat completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  map[string]any
}

// Chunk is one decoded line of the upstream stream.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// Upstream streams a chat completion, invoking fn once per chunk. An error
// returned by fn stops the stream and is returned unchanged.
type Upstream interface {
	Chat(ctx context.Context, req ChatRequest, fn func(Chunk) error) error
}

// StatusError is a non-2xx answer from the inference server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Client talks to an Ollama server.
type Client struct {
	api *api.Client
}

// New returns a client for baseURL. timeout bounds each whole request,
// including the time spent streaming.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse OLLAMA_URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse OLLAMA_URL: %q is not an absolute URL", baseURL)
	}
	return &Client{api: api.NewClient(u, &http.Client{Timeout: timeout})}, nil
}

// Chat implements Upstream.
func (c *Client) Chat(ctx context.Context, req ChatRequest, fn func(Chunk) error) error {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := api.Message{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			data, err := decodeImage(img)
			if err != nil {
				return err
			}
			msg.Images = append(msg.Images, data)
		}
		messages = append(messages, msg)
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  req.Options,
	}

	err := c.api.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		return fn(Chunk{
			Content:          resp.Message.Content,
			Done:             resp.Done,
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		})
	})

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &StatusError{Code: statusErr.StatusCode, Message: statusErr.ErrorMessage}
	}
	return err
}

// Heartbeat checks that the server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.api.Heartbeat(ctx)
}

func decodeImage(s string) (api.ImageData, error) {
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ","); ok {
			s = payload
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return api.ImageData(data), nil
}
