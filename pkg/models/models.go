// Package models provides shared types for the Storyforge HTTP API and external tools.
// These types mirror the API JSON and are stable for use by the CLI and other consumers.
package models

import (
	"encoding/json"
	"time"
)

// Task is one submitted unit of user work, driven through Analysis and Developer
// phases by the orchestrator. Status is one of the Status* constants.
type Task struct {
	TaskID          string           `json:"task_id"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	Repositories    []string         `json:"repositories"`
	AutoApprove     bool             `json:"auto_approve,omitempty"`
	Status          string           `json:"status"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CompletedPhases []CompletedPhase `json:"completed_phases,omitempty"`
	Resume          *ResumeCursor    `json:"resume,omitempty"`
	CostUSD         float64          `json:"cost_usd,omitempty"`
	TokensUsed      int64            `json:"tokens_used,omitempty"`
	CreatedAt       time.Time        `json:"created_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at,omitempty"`
}

// CompletedPhase records one finished phase, kept permanently for audit/display.
type CompletedPhase struct {
	Phase       string          `json:"phase"`
	CompletedAt time.Time       `json:"completed_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ResumeCursor is the persisted pointer to the exact phase/step/story a task
// should continue from after a restart. A nil cursor means "start from the top".
// It is serialized atomically with the rest of task state.
type ResumeCursor struct {
	Phase      string `json:"phase"`
	Step       string `json:"step,omitempty"`
	Agent      string `json:"agent,omitempty"`
	StoryIndex int    `json:"story_index"`
}

// Story is one atomic, independently committed unit of implementation work,
// produced by the Analysis phase and consumed one at a time by the Developer phase.
type Story struct {
	StoryID            string            `json:"story_id"`
	TaskID             string            `json:"task_id"`
	Index              int               `json:"index"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	TargetFiles        []string          `json:"target_files,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	Verdict            string            `json:"verdict,omitempty"`
	Iterations         int               `json:"iterations,omitempty"`
	Findings           []string          `json:"findings,omitempty"`
	Commits            map[string]string `json:"commits,omitempty"` // repo path -> commit SHA
	CreatedAt          time.Time         `json:"created_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at,omitempty"`
}

// Issue is one actionable problem reported by a review step.
type Issue struct {
	Severity     string `json:"severity,omitempty"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Verdict is the structured outcome of one review step. Decoded reports whether
// the reviewer's structured output actually parsed; when false the verdict is
// the safe fallback (needs_revision with no issues), never an error.
type Verdict struct {
	Verdict string  `json:"verdict"`
	Score   float64 `json:"score,omitempty"`
	Issues  []Issue `json:"issues,omitempty"`
	Decoded bool    `json:"-"`
}

// ProgressEvent is the outward event shape published on the SSE stream,
// keyed by task id.
type ProgressEvent struct {
	Type       string            `json:"type"`
	TaskID     string            `json:"task_id"`
	Phase      string            `json:"phase,omitempty"`
	Step       string            `json:"step,omitempty"`
	Iteration  int               `json:"iteration,omitempty"`
	StoryID    string            `json:"story_id,omitempty"`
	StoryIndex int               `json:"story_index,omitempty"`
	Verdict    string            `json:"verdict,omitempty"`
	Score      float64           `json:"score,omitempty"`
	Commits    map[string]string `json:"commits,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Diff       string            `json:"diff,omitempty"`
	Findings   []string          `json:"findings,omitempty"`
	Round      int               `json:"round,omitempty"`
	Decision   string            `json:"decision,omitempty"`
	Message    string            `json:"message,omitempty"`
	Replayed   bool              `json:"replayed,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ActivityEntry is one persisted high-value activity record: a completed tool
// invocation, a clarification exchange, or a substantial assistant message.
type ActivityEntry struct {
	EntryID   int64     `json:"entry_id,omitempty"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"` // tool | question | message
	Tool      string    `json:"tool,omitempty"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskSubmission is the POST /api/tasks request body (and the YAML shape
// accepted by `storyforge task submit -f`).
type TaskSubmission struct {
	Title        string   `json:"title" yaml:"title"`
	Description  string   `json:"description,omitempty" yaml:"description"`
	Repositories []string `json:"repositories" yaml:"repositories"`
	AutoApprove  bool     `json:"auto_approve,omitempty" yaml:"auto_approve"`
}

// ApprovalResponse is the POST /api/tasks/{id}/approval request body.
type ApprovalResponse struct {
	Action   string `json:"action"` // approve | reject | request_changes
	Feedback string `json:"feedback,omitempty"`
}
