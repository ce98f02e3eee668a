// Package orchestrator sequences a task through its analysis and developer
// phases, owning resume state, cancellation, and the commit-or-rollback
// decision for every story.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devwspito/storyforge/internal/agent"
	"github.com/devwspito/storyforge/internal/approval"
	"github.com/devwspito/storyforge/internal/buildcheck"
	"github.com/devwspito/storyforge/internal/gitrepo"
	"github.com/devwspito/storyforge/internal/iteration"
	"github.com/devwspito/storyforge/internal/mux"
	"github.com/devwspito/storyforge/internal/otel"
	"github.com/devwspito/storyforge/internal/store"
	"github.com/devwspito/storyforge/pkg/models"
)

// Orchestrator runs tasks end to end. One instance serves the whole daemon;
// per-task state lives on the stack of Run.
type Orchestrator struct {
	store   store.Store
	svc     agent.Service
	mux     *mux.Multiplexer
	engine  *iteration.Engine
	builder *buildcheck.Verifier
	gate    *approval.Gate
	coord   *gitrepo.Coordinator
	notify  iteration.Notifier

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Store    store.Store
	Service  agent.Service
	Mux      *mux.Multiplexer
	Engine   *iteration.Engine
	Builder  *buildcheck.Verifier
	Gate     *approval.Gate
	Coord    *gitrepo.Coordinator
	Notifier iteration.Notifier
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.ProgressEvent) {}

// New returns an orchestrator over deps.
func New(deps Deps) *Orchestrator {
	n := deps.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	return &Orchestrator{
		store:   deps.Store,
		svc:     deps.Service,
		mux:     deps.Mux,
		engine:  deps.Engine,
		builder: deps.Builder,
		gate:    deps.Gate,
		coord:   deps.Coord,
		notify:  n,
		running: make(map[string]context.CancelFunc),
	}
}

// CancelTask aborts a running task. Reports whether the task was known.
func (o *Orchestrator) CancelTask(taskID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// fatalError aborts the whole task with a reason fit for display.
type fatalError struct {
	reason string
	err    error
}

func (e *fatalError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.err)
	}
	return e.reason
}

func (e *fatalError) Unwrap() error { return e.err }

func fatal(reason string, err error) error {
	return &fatalError{reason: reason, err: err}
}

// Run drives taskID to a terminal status. The returned error is for the
// daemon's log only; the task record always carries the outcome.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[taskID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.running, taskID)
		o.mu.Unlock()
	}()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	err = o.runPhases(ctx, task)
	switch {
	case err == nil:
		return o.complete(task)
	case errors.Is(err, context.Canceled):
		return o.cancelled(task)
	default:
		return o.failed(task, err)
	}
}

func (o *Orchestrator) runPhases(ctx context.Context, task *models.Task) error {
	if !phaseDone(task, models.PhaseAnalysis) {
		if err := o.runAnalysis(ctx, task); err != nil {
			return err
		}
	} else {
		slog.Info("analysis already complete, resuming developer phase", "task", task.TaskID)
	}
	return o.runDeveloper(ctx, task)
}

func phaseDone(task *models.Task, phase string) bool {
	for _, p := range task.CompletedPhases {
		if p.Phase == phase {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runAnalysis(ctx context.Context, task *models.Task) error {
	o.notify.Publish(models.ProgressEvent{
		Type: models.EventPhaseStarted, TaskID: task.TaskID, Phase: models.PhaseAnalysis,
	})
	if err := o.store.SetResumeCursor(ctx, task.TaskID, &models.ResumeCursor{
		Phase: models.PhaseAnalysis, Step: models.StepDraft,
	}); err != nil {
		return fatal("persisting resume cursor", err)
	}

	dir := task.Repositories[0]
	sid, err := o.svc.CreateSession(ctx, dir)
	if err != nil {
		return fatal("opening analysis session", err)
	}
	if err := o.mux.Register(task.TaskID, sid, dir); err != nil {
		return fatal("registering analysis session", err)
	}
	defer func() {
		_ = o.svc.Abort(context.Background(), sid)
		o.mux.Unregister(sid)
	}()

	unit := iteration.Unit{
		TaskID:     task.TaskID,
		SessionID:  sid,
		Phase:      models.PhaseAnalysis,
		WorkPrompt: analysisPrompt(task),
	}
	res, err := o.engine.Run(ctx, unit)
	if err != nil {
		return fatal("analysis iteration", err)
	}
	if res.Verdict.Verdict == models.VerdictRejected {
		return fatal("analysis was rejected by review", nil)
	}

	stories, ok := iteration.DecodeStories(task.TaskID, res.Response)
	if !ok {
		// Undecodable plan: fall back to one story covering the whole task.
		slog.Warn("story list not decodable, using single fallback story", "task", task.TaskID)
		stories = fallbackStories(task)
	}
	if err := o.store.SaveStories(ctx, task.TaskID, stories); err != nil {
		return fatal("saving stories", err)
	}

	payload, _ := json.Marshal(map[string]any{"stories": len(stories)})
	if err := o.store.AppendCompletedPhase(ctx, task.TaskID, models.CompletedPhase{
		Phase:       models.PhaseAnalysis,
		CompletedAt: time.Now().UTC(),
		Payload:     payload,
	}); err != nil {
		return fatal("recording completed phase", err)
	}
	task.CompletedPhases = append(task.CompletedPhases, models.CompletedPhase{Phase: models.PhaseAnalysis})

	o.notify.Publish(models.ProgressEvent{
		Type: models.EventPhaseCompleted, TaskID: task.TaskID, Phase: models.PhaseAnalysis,
		Summary: fmt.Sprintf("%d stories planned", len(stories)),
	})
	return nil
}

func (o *Orchestrator) runDeveloper(ctx context.Context, task *models.Task) error {
	o.notify.Publish(models.ProgressEvent{
		Type: models.EventPhaseStarted, TaskID: task.TaskID, Phase: models.PhaseDeveloper,
	})
	stories, err := o.store.ListStories(ctx, task.TaskID)
	if err != nil {
		return fatal("listing stories", err)
	}

	// Stories at or below the persisted cursor were finished before a
	// restart: report them as already done, never re-execute.
	resumeFrom := 0
	if task.Resume != nil && task.Resume.Phase == models.PhaseDeveloper {
		resumeFrom = task.Resume.StoryIndex + 1
	}
	for _, story := range stories {
		if story.Index >= resumeFrom {
			break
		}
		o.notify.Publish(models.ProgressEvent{
			Type: models.EventStoryCompleted, TaskID: task.TaskID, Phase: models.PhaseDeveloper,
			StoryID: story.StoryID, StoryIndex: story.Index,
			Verdict: story.Verdict, Commits: story.Commits, Replayed: true,
		})
	}

	for _, story := range stories {
		if story.Index < resumeFrom {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runStory(ctx, task, story); err != nil {
			return err
		}
		// Persist progress after every story, whatever its outcome.
		if err := o.store.SetResumeCursor(ctx, task.TaskID, &models.ResumeCursor{
			Phase:      models.PhaseDeveloper,
			StoryIndex: story.Index,
		}); err != nil {
			return fatal("persisting resume cursor", err)
		}
	}

	if err := o.store.AppendCompletedPhase(ctx, task.TaskID, models.CompletedPhase{
		Phase:       models.PhaseDeveloper,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return fatal("recording completed phase", err)
	}
	if err := o.store.SetResumeCursor(ctx, task.TaskID, nil); err != nil {
		return fatal("clearing resume cursor", err)
	}
	o.notify.Publish(models.ProgressEvent{
		Type: models.EventPhaseCompleted, TaskID: task.TaskID, Phase: models.PhaseDeveloper,
	})
	return nil
}

// runStory executes one story to its verdict. Story-level rejection is not
// an error; only fatal conditions propagate.
func (o *Orchestrator) runStory(ctx context.Context, task *models.Task, story models.Story) error {
	o.notify.Publish(models.ProgressEvent{
		Type: models.EventStoryStarted, TaskID: task.TaskID, Phase: models.PhaseDeveloper,
		StoryID: story.StoryID, StoryIndex: story.Index, Summary: story.Title,
	})

	branch := gitrepo.BranchName(task.TaskID, story.Index)
	if err := o.coord.Branches(ctx, task.Repositories, branch, story.Title); err != nil {
		return fatal("creating story branch", err)
	}

	// Each story gets a fresh session to bound conversation growth.
	dir := task.Repositories[0]
	sid, err := o.svc.CreateSession(ctx, dir)
	if err != nil {
		return fatal("opening story session", err)
	}
	if err := o.mux.Register(task.TaskID, sid, dir); err != nil {
		return fatal("registering story session", err)
	}
	defer func() {
		_ = o.svc.Abort(context.Background(), sid)
		o.mux.Unregister(sid)
	}()

	unit := iteration.Unit{
		TaskID:     task.TaskID,
		SessionID:  sid,
		Phase:      models.PhaseDeveloper,
		StoryID:    story.StoryID,
		StoryIndex: story.Index,
		WorkPrompt: storyPrompt(task, story),
	}
	res, err := o.engine.Run(ctx, unit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			o.rollback(task)
			return err
		}
		return fatal("story iteration", err)
	}

	if res.Verdict.Verdict != models.VerdictApproved {
		return o.rejectStory(ctx, task, story, res, "review verdict "+res.Verdict.Verdict)
	}

	if err := o.builder.Verify(ctx, unit, task.Repositories); err != nil {
		if errors.Is(err, context.Canceled) {
			o.rollback(task)
			return err
		}
		// Build bound exhausted: the story fails and everything rolls back.
		res.Verdict.Verdict = models.VerdictRejected
		return o.rejectStory(ctx, task, story, res, err.Error())
	}

	if !task.AutoApprove {
		approved, err := o.runGate(ctx, task, story, unit, res)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				o.rollback(task)
				return err
			}
			if errors.Is(err, approval.ErrRoundsExhausted) {
				o.rollback(task)
				return fatal("approval rounds exhausted", err)
			}
			// Reviewer failure fails closed: reject this story only.
			res.Verdict.Verdict = models.VerdictRejected
			return o.rejectStory(ctx, task, story, res, "approval failed: "+err.Error())
		}
		if !approved {
			res.Verdict.Verdict = models.VerdictRejected
			return o.rejectStory(ctx, task, story, res, "rejected by reviewer")
		}
	}

	message := fmt.Sprintf("story %d: %s", story.Index, story.Title)
	results, err := o.coord.CommitAll(ctx, task.Repositories, branch, message)
	commits := make(map[string]string)
	for _, r := range results {
		if r.SHA != "" {
			commits[r.Dir] = r.SHA
		}
	}
	if err != nil {
		// Partial commits are surfaced, not unwound.
		slog.Error("story commit incomplete", "task", task.TaskID, "story", story.StoryID, "error", err)
	}

	if err := o.store.UpdateStoryResult(ctx, story.StoryID, models.VerdictApproved,
		res.Iterations, res.Findings, commits); err != nil {
		return fatal("recording story result", err)
	}
	otel.RecordTaskOp(ctx, "story", models.VerdictApproved)
	o.notify.Publish(models.ProgressEvent{
		Type: models.EventStoryCompleted, TaskID: task.TaskID, Phase: models.PhaseDeveloper,
		StoryID: story.StoryID, StoryIndex: story.Index,
		Verdict: models.VerdictApproved, Score: res.Verdict.Score, Commits: commits,
	})
	return nil
}

func (o *Orchestrator) runGate(ctx context.Context, task *models.Task, story models.Story, unit iteration.Unit, res iteration.Result) (bool, error) {
	buildReq := func(ctx context.Context) (approval.Request, error) {
		diff, err := o.coord.CombinedDiff(ctx, task.Repositories)
		if err != nil {
			return approval.Request{}, err
		}
		return approval.Request{
			TaskID:   task.TaskID,
			StoryID:  story.StoryID,
			Summary:  res.Response,
			Diff:     diff,
			Findings: res.Findings,
		}, nil
	}
	req, err := buildReq(ctx)
	if err != nil {
		return false, err
	}
	return o.gate.Decide(ctx, unit, req, buildReq)
}

// rejectStory rolls the story's changes back and records the outcome. The
// task keeps going with the next story.
func (o *Orchestrator) rejectStory(ctx context.Context, task *models.Task, story models.Story, res iteration.Result, reason string) error {
	slog.Info("story rejected", "task", task.TaskID, "story", story.StoryID, "reason", reason)
	o.rollback(task)
	verdict := res.Verdict.Verdict
	if verdict == "" {
		verdict = models.VerdictRejected
	}
	if err := o.store.UpdateStoryResult(ctx, story.StoryID, verdict,
		res.Iterations, append(res.Findings, reason), nil); err != nil {
		return fatal("recording story result", err)
	}
	otel.RecordTaskOp(ctx, "story", verdict)
	o.notify.Publish(models.ProgressEvent{
		Type: models.EventStoryCompleted, TaskID: task.TaskID, Phase: models.PhaseDeveloper,
		StoryID: story.StoryID, StoryIndex: story.Index,
		Verdict: verdict, Summary: reason,
	})
	return nil
}

// rollback is best effort; its failures never mask the triggering condition.
func (o *Orchestrator) rollback(task *models.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := o.coord.RollbackAll(ctx, task.Repositories); err != nil {
		slog.Warn("rollback incomplete", "task", task.TaskID, "error", err)
	}
}

func (o *Orchestrator) complete(task *models.Task) error {
	ctx := context.Background()
	if err := o.store.UpdateTaskStatus(ctx, task.TaskID, models.StatusCompleted, ""); err != nil {
		return fmt.Errorf("marking task completed: %w", err)
	}
	otel.RecordTaskOp(ctx, "run", models.StatusCompleted)
	o.notify.Publish(models.ProgressEvent{Type: models.EventTaskCompleted, TaskID: task.TaskID})
	slog.Info("task completed", "task", task.TaskID)
	return nil
}

func (o *Orchestrator) cancelled(task *models.Task) error {
	ctx := context.Background()
	o.rollback(task)
	if err := o.store.UpdateTaskStatus(ctx, task.TaskID, models.StatusCancelled, "cancelled by user"); err != nil {
		return fmt.Errorf("marking task cancelled: %w", err)
	}
	if err := o.store.SetResumeCursor(ctx, task.TaskID, nil); err != nil {
		slog.Warn("clearing resume cursor", "task", task.TaskID, "error", err)
	}
	otel.RecordTaskOp(ctx, "run", models.StatusCancelled)
	o.notify.Publish(models.ProgressEvent{Type: models.EventTaskFailed, TaskID: task.TaskID, Summary: "cancelled"})
	slog.Info("task cancelled", "task", task.TaskID)
	return nil
}

func (o *Orchestrator) failed(task *models.Task, cause error) error {
	ctx := context.Background()
	reason := cause.Error()
	var f *fatalError
	if errors.As(cause, &f) {
		reason = f.reason
		if f.err != nil {
			reason = fmt.Sprintf("%s: %v", f.reason, f.err)
		}
	}
	if err := o.store.UpdateTaskStatus(ctx, task.TaskID, models.StatusFailed, reason); err != nil {
		slog.Error("marking task failed", "task", task.TaskID, "error", err)
	}
	otel.RecordTaskOp(ctx, "run", models.StatusFailed)
	o.notify.Publish(models.ProgressEvent{Type: models.EventTaskFailed, TaskID: task.TaskID, Summary: reason})
	slog.Error("task failed", "task", task.TaskID, "reason", reason)
	return cause
}
