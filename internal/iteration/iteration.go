// Package iteration drives the bounded draft/review/scan/fix cycle that
// turns a single unit of work (an analysis pass or one story) into an
// approved or rejected outcome.
package iteration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devwspito/storyforge/internal/agent"
	"github.com/devwspito/storyforge/internal/otel"
	"github.com/devwspito/storyforge/pkg/models"
)

// Prompter sends a prompt into an existing agent session.
type Prompter interface {
	SendPrompt(ctx context.Context, sessionID, text string, opts agent.PromptOptions) error
}

// Waiter blocks until the session goes idle and returns the events buffered
// since the previous wait.
type Waiter interface {
	WaitForIdle(ctx context.Context, sessionID string, timeout time.Duration) ([]agent.Event, error)
}

// Notifier receives progress events as the cycle advances.
type Notifier interface {
	Publish(ev models.ProgressEvent)
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.ProgressEvent) {}

// Unit describes one unit of work for the engine.
type Unit struct {
	TaskID     string
	SessionID  string
	Phase      string
	StoryID    string
	StoryIndex int
	// WorkPrompt is the initial instruction; the engine builds the review,
	// scan, and fix prompts itself.
	WorkPrompt string
}

// Result is the terminal outcome of a cycle.
type Result struct {
	Verdict    models.Verdict
	Iterations int
	Findings   []string
	// Response is the text of the final draft or fix step, kept for the
	// phase payload and approval summaries.
	Response string
}

// Engine runs iteration cycles over agent sessions.
type Engine struct {
	prompter    Prompter
	waiter      Waiter
	notify      Notifier
	maxReviews  int
	idleTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxReviews overrides the review-attempt bound.
func WithMaxReviews(n int) Option {
	return func(e *Engine) { e.maxReviews = n }
}

// WithIdleTimeout overrides the per-step safety-net timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithNotifier sets the progress sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notify = n }
}

// New returns an engine sending prompts through prompter and awaiting idle
// through waiter.
func New(prompter Prompter, waiter Waiter, opts ...Option) *Engine {
	e := &Engine{
		prompter:    prompter,
		waiter:      waiter,
		notify:      nopNotifier{},
		maxReviews:  models.DefaultMaxReviewAttempts,
		idleTimeout: time.Duration(models.DefaultIdleTimeoutMinutes) * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the full cycle for unit. The returned error is reserved for
// infrastructure failures (prompt delivery, idle timeout); review outcomes,
// including rejection, come back in the Result.
func (e *Engine) Run(ctx context.Context, unit Unit) (Result, error) {
	start := time.Now()
	res := Result{}

	text, err := e.step(ctx, unit, models.StepDraft, 0, unit.WorkPrompt)
	if err != nil {
		return res, fmt.Errorf("draft step: %w", err)
	}
	res.Response = text

	for attempt := 1; attempt <= e.maxReviews; attempt++ {
		res.Iterations = attempt
		reviewText, err := e.step(ctx, unit, models.StepReview, attempt, reviewPrompt())
		if err != nil {
			return res, fmt.Errorf("review step %d: %w", attempt, err)
		}
		res.Verdict = DecodeVerdict(reviewText)
		if !res.Verdict.Decoded {
			slog.Warn("review verdict not decodable, defaulting to needs_revision",
				"task", unit.TaskID, "attempt", attempt)
		}

		// The security pass runs after every review, regardless of verdict,
		// and never changes it. Only the latest findings are kept: earlier
		// ones describe code a fix has since replaced.
		scanText, err := e.step(ctx, unit, models.StepScan, attempt, scanPrompt())
		if err != nil {
			return res, fmt.Errorf("scan step: %w", err)
		}
		res.Findings = findings(scanText)

		switch res.Verdict.Verdict {
		case models.VerdictApproved:
			return e.finish(ctx, unit, res, start), nil
		case models.VerdictRejected:
			return e.finish(ctx, unit, res, start), nil
		case models.VerdictNeedsRevision:
			if len(res.Verdict.Issues) == 0 {
				if res.Verdict.Decoded {
					// Nothing actionable: treat as approved.
					res.Verdict.Verdict = models.VerdictApproved
					return e.finish(ctx, unit, res, start), nil
				}
				// Undecodable review: the fallback verdict stands. Re-ask
				// for a review rather than inventing a fix instruction.
				if attempt == e.maxReviews {
					return e.finish(ctx, unit, res, start), nil
				}
				continue
			}
			if attempt == e.maxReviews {
				// Bound exhausted: the last verdict stands.
				return e.finish(ctx, unit, res, start), nil
			}
			fixText, err := e.step(ctx, unit, models.StepFix, attempt, fixPrompt(res.Verdict.Issues))
			if err != nil {
				return res, fmt.Errorf("fix step %d: %w", attempt, err)
			}
			res.Response = fixText
		}
	}
	return e.finish(ctx, unit, res, start), nil
}

// FixOnce runs a single fix-then-review pass with an externally supplied
// instruction (approval feedback, build errors). Used by the gates.
func (e *Engine) FixOnce(ctx context.Context, unit Unit, instruction string) (Result, error) {
	res := Result{Iterations: 1}
	fixText, err := e.step(ctx, unit, models.StepFix, 1, instruction)
	if err != nil {
		return res, fmt.Errorf("fix step: %w", err)
	}
	res.Response = fixText
	reviewText, err := e.step(ctx, unit, models.StepReview, 1, reviewPrompt())
	if err != nil {
		return res, fmt.Errorf("review step: %w", err)
	}
	res.Verdict = DecodeVerdict(reviewText)
	if res.Verdict.Decoded && res.Verdict.Verdict == models.VerdictNeedsRevision && len(res.Verdict.Issues) == 0 {
		res.Verdict.Verdict = models.VerdictApproved
	}
	return res, nil
}

func (e *Engine) step(ctx context.Context, unit Unit, step string, iteration int, prompt string) (string, error) {
	e.notify.Publish(models.ProgressEvent{
		Type:       models.EventIterationStep,
		TaskID:     unit.TaskID,
		Phase:      unit.Phase,
		Step:       step,
		Iteration:  iteration,
		StoryID:    unit.StoryID,
		StoryIndex: unit.StoryIndex,
		Timestamp:  time.Now().UTC(),
	})
	if err := e.prompter.SendPrompt(ctx, unit.SessionID, prompt, agent.PromptOptions{}); err != nil {
		return "", err
	}
	events, err := e.waiter.WaitForIdle(ctx, unit.SessionID, e.idleTimeout)
	if err != nil {
		return "", err
	}
	return collectText(events), nil
}

func (e *Engine) finish(ctx context.Context, unit Unit, res Result, start time.Time) Result {
	e.notify.Publish(models.ProgressEvent{
		Type:       models.EventIterationStep,
		TaskID:     unit.TaskID,
		Phase:      unit.Phase,
		Step:       "done",
		Iteration:  res.Iterations,
		StoryID:    unit.StoryID,
		StoryIndex: unit.StoryIndex,
		Verdict:    res.Verdict.Verdict,
		Score:      res.Verdict.Score,
		Timestamp:  time.Now().UTC(),
	})
	otel.RecordIteration(ctx, unit.Phase, res.Verdict.Verdict, time.Since(start))
	return res
}

// collectText joins the text events of one idle window.
func collectText(events []agent.Event) string {
	var parts []string
	for _, ev := range events {
		if ev.Type == agent.EventText && ev.Text != "" {
			parts = append(parts, ev.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// findings splits a scan response into one finding per non-empty line,
// dropping obvious no-issue answers.
func findings(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* "))
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "no security") || strings.HasPrefix(lower, "no issues") ||
			strings.HasPrefix(lower, "no findings") || lower == "none" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func reviewPrompt() string {
	return `Review the work you just completed. Respond with a single JSON object:
{"verdict": "approved" | "needs_revision" | "rejected", "score": 0.0-1.0, "issues": [{"severity": "...", "description": "...", "suggested_fix": "..."}]}
Use "rejected" only if the approach is fundamentally wrong. List concrete issues for "needs_revision".`
}

func scanPrompt() string {
	return `Do a security review of the changes: injection, secrets in code, unsafe input handling, path traversal. List each finding on its own line, or say "no findings".`
}

func fixPrompt(issues []models.Issue) string {
	var sb strings.Builder
	sb.WriteString("Address every one of the following review issues, then stop:\n")
	for i, issue := range issues {
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, issue.Severity, issue.Description)
		if issue.SuggestedFix != "" {
			fmt.Fprintf(&sb, " (suggested: %s)", issue.SuggestedFix)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
