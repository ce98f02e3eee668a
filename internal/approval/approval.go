// Package approval implements the human checkpoint between a passing build
// and the commit. The gate presents the work, blocks for a decision, and
// runs bounded feedback rounds; anything abnormal fails closed.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devwspito/storyforge/internal/iteration"
	"github.com/devwspito/storyforge/internal/otel"
	"github.com/devwspito/storyforge/pkg/models"
)

// Request is what the reviewer sees.
type Request struct {
	TaskID   string
	StoryID  string
	Summary  string
	Diff     string
	Findings []string
	Round    int
}

// Decision is the reviewer's response.
type Decision struct {
	Action   string
	Feedback string
}

// Reviewer blocks until a human decides. The wait is deliberately unbounded;
// cancellation comes from ctx.
type Reviewer interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// ErrRoundsExhausted reports that the feedback bound was hit without an
// approve or reject.
var ErrRoundsExhausted = errors.New("approval rounds exhausted")

// Refresher rebuilds the request after a fix round so the reviewer sees the
// updated diff.
type Refresher func(ctx context.Context) (Request, error)

// Gate drives the review/feedback loop.
type Gate struct {
	reviewer  Reviewer
	fixer     Fixer
	maxRounds int
	notify    iteration.Notifier
}

// Fixer applies reviewer feedback through the owning session.
type Fixer interface {
	FixOnce(ctx context.Context, unit iteration.Unit, instruction string) (iteration.Result, error)
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.ProgressEvent) {}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxRounds overrides the feedback-round bound.
func WithMaxRounds(n int) Option {
	return func(g *Gate) { g.maxRounds = n }
}

// WithNotifier sets the progress sink.
func WithNotifier(n iteration.Notifier) Option {
	return func(g *Gate) { g.notify = n }
}

// NewGate returns a gate asking reviewer and applying feedback via fixer.
func NewGate(reviewer Reviewer, fixer Fixer, opts ...Option) *Gate {
	g := &Gate{
		reviewer:  reviewer,
		fixer:     fixer,
		maxRounds: models.DefaultMaxApprovalRounds,
		notify:    nopNotifier{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decide runs the gate for unit. It returns (true, nil) on approval and
// (false, nil) on an explicit rejection. Any error — reviewer failure,
// fix-cycle failure, or ErrRoundsExhausted — also means the work must not
// commit.
func (g *Gate) Decide(ctx context.Context, unit iteration.Unit, req Request, refresh Refresher) (bool, error) {
	for round := 1; round <= g.maxRounds; round++ {
		req.Round = round
		decision, err := g.reviewer.RequestApproval(ctx, req)
		if err != nil {
			otel.RecordApproval(ctx, "error")
			return false, fmt.Errorf("awaiting approval: %w", err)
		}
		otel.RecordApproval(ctx, decision.Action)
		g.notify.Publish(models.ProgressEvent{
			Type:      models.EventApprovalResolved,
			TaskID:    unit.TaskID,
			StoryID:   unit.StoryID,
			Round:     round,
			Decision:  decision.Action,
			Timestamp: time.Now().UTC(),
		})

		switch decision.Action {
		case models.ApprovalApprove:
			return true, nil
		case models.ApprovalReject:
			return false, nil
		case models.ApprovalRequestChanges:
			if round == g.maxRounds {
				break
			}
			instruction := decision.Feedback
			if instruction == "" {
				instruction = "The reviewer requested changes without detail. Re-check the work against the story's acceptance criteria."
			}
			if _, err := g.fixer.FixOnce(ctx, unit, instruction); err != nil {
				return false, fmt.Errorf("applying reviewer feedback: %w", err)
			}
			if refresh != nil {
				req, err = refresh(ctx)
				if err != nil {
					return false, fmt.Errorf("refreshing approval request: %w", err)
				}
			}
		default:
			slog.Warn("unknown approval action, treating as rejection",
				"task", unit.TaskID, "action", decision.Action)
			return false, nil
		}
	}
	return false, ErrRoundsExhausted
}
