// Package agent defines the boundary to the external agent-execution service:
// session creation, prompt submission, and the per-directory event stream.
// Implementations: Stub (deterministic, for tests and local dry runs) and
// Subprocess (NDJSON over a local agent binary).
package agent

import (
	"context"
	"time"
)

// Event is one raw event from the agent-execution service. SessionID is optional;
// events without it are routed by originating directory.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	Directory  string    `json:"directory,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Tool       string    `json:"tool,omitempty"`
	ToolStatus string    `json:"tool_status,omitempty"` // started | completed
	ToolInput  string    `json:"tool_input,omitempty"`
	ToolOutput string    `json:"tool_output,omitempty"`
	Text       string    `json:"text,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	Tokens     int64     `json:"tokens,omitempty"`
	Err        any       `json:"error,omitempty"` // string, object, or missing
}

// Event types emitted by the service.
const (
	EventIdle      = "idle"
	EventError     = "error"
	EventText      = "text"      // complete assistant message
	EventDelta     = "delta"     // streaming text fragment
	EventThinking  = "thinking"  // progress marker
	EventTool      = "tool"      // tool invocation (started/completed)
	EventStep      = "step"      // step completion with cost/token accounting
	EventQuestion  = "question"  // clarification question/answer pair
	EventLifecycle = "lifecycle" // session chatter (init, compaction, ...)
)

// PromptOptions tunes one prompt submission.
type PromptOptions struct {
	Persona   string
	MaxTokens int
}

// Stream is one live per-directory event subscription.
type Stream interface {
	// Events returns the event channel. The channel is closed when the
	// underlying stream ends or errors; callers resubscribe if still needed.
	Events() <-chan Event
	Close() error
}

// Service is the agent-execution service. All blocking calls take a context.
type Service interface {
	Name() string
	CreateSession(ctx context.Context, directory string) (string, error)
	SendPrompt(ctx context.Context, sessionID, text string, opts PromptOptions) error
	Subscribe(ctx context.Context, directory string) (Stream, error)
	Abort(ctx context.Context, sessionID string) error
}
