package generation

// Event types pushed to the client, in order: session, content*, then exactly
// one of stopped, error or done.
const (
	EventSession = "session"
	EventContent = "content"
	EventStopped = "stopped"
	EventError   = "error"
	EventDone    = "done"
)

// Usage is the token accounting reported with the done event.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func newUsage(prompt, completion int) *Usage {
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Event is one message of the client-facing stream.
type Event struct {
	Type         string         `json:"type"`
	SessionID    string         `json:"session_id,omitempty"`
	GenerationID string         `json:"generation_id,omitempty"`
	Content      string         `json:"content,omitempty"`
	Partial      bool           `json:"partial,omitempty"`
	Error        string         `json:"error,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Artifacts    map[string]int `json:"artifacts,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventStopped, EventError, EventDone:
		return true
	}
	return false
}

// Emitter delivers events to the client. Emit is only ever called from the
// goroutine running the generation.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(e Event) error { return f(e) }
