package models

// Task lifecycle statuses used throughout the codebase.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusPaused      = "paused"
	StatusInterrupted = "interrupted"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Phases driven by the orchestrator.
const (
	PhaseAnalysis  = "analysis"
	PhaseDeveloper = "developer"
)

// Iteration steps within one unit of work.
const (
	StepDraft  = "draft"
	StepReview = "review"
	StepScan   = "scan"
	StepFix    = "fix"
)

// Review verdict tags.
const (
	VerdictApproved      = "approved"
	VerdictNeedsRevision = "needs_revision"
	VerdictRejected      = "rejected"
)

// Approval decisions from a human reviewer.
const (
	ApprovalApprove        = "approve"
	ApprovalReject         = "reject"
	ApprovalRequestChanges = "request_changes"
)

// Progress event types published on the SSE stream.
const (
	EventPhaseStarted      = "phase_started"
	EventPhaseCompleted    = "phase_completed"
	EventIterationStep     = "iteration_step"
	EventIterationDone     = "iteration_completed"
	EventStoryStarted      = "story_started"
	EventStoryCompleted    = "story_completed"
	EventBuildCheck        = "build_check"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
)

// Default limits and timings.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultSSEChannelBuffer    = 256
	DefaultMaxReviewAttempts   = 3
	DefaultMaxBuildAttempts    = 3
	DefaultMaxApprovalRounds   = 5
	DefaultIdleTimeoutMinutes  = 30
	DefaultActivityMaxBatch    = 50
)
