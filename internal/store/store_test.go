package store

import (
	"context"
	"testing"
	"time"

	"github.com/devwspito/storyforge/pkg/models"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), "sqlite", t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTaskCRUDAndClaim(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := &models.Task{
		TaskID:       "t1",
		Title:        "add a login page",
		Repositories: []string{"/repo/web"},
		AutoApprove:  true,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil || got.Status != models.StatusPending || !got.AutoApprove {
		t.Fatalf("task = %+v", got)
	}
	if len(got.Repositories) != 1 || got.Repositories[0] != "/repo/web" {
		t.Fatalf("repositories = %v", got.Repositories)
	}

	next, err := st.NextPendingTask(ctx)
	if err != nil || next == nil || next.TaskID != "t1" {
		t.Fatalf("NextPendingTask = %+v, %v", next, err)
	}

	claimed, err := st.ClaimTask(ctx, "t1")
	if err != nil || !claimed {
		t.Fatalf("ClaimTask = %v, %v", claimed, err)
	}
	// Second claim must lose.
	claimed, err = st.ClaimTask(ctx, "t1")
	if err != nil || claimed {
		t.Fatalf("second ClaimTask = %v, %v", claimed, err)
	}

	if err := st.UpdateTaskStatus(ctx, "t1", models.StatusFailed, "branch creation failed"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	got, _ = st.GetTask(ctx, "t1")
	if got.Status != models.StatusFailed || got.FailureReason != "branch creation failed" {
		t.Fatalf("task after fail = %+v", got)
	}

	if missing, err := st.GetTask(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("GetTask(nope) = %+v, %v", missing, err)
	}
}

func TestResumeCursorRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, &models.Task{TaskID: "t1", Title: "x", Repositories: []string{"/r"}}); err != nil {
		t.Fatal(err)
	}
	cursor := &models.ResumeCursor{Phase: models.PhaseDeveloper, Step: models.StepReview, StoryIndex: 2}
	if err := st.SetResumeCursor(ctx, "t1", cursor); err != nil {
		t.Fatalf("SetResumeCursor: %v", err)
	}
	got, _ := st.GetTask(ctx, "t1")
	if got.Resume == nil || got.Resume.StoryIndex != 2 || got.Resume.Phase != models.PhaseDeveloper {
		t.Fatalf("resume = %+v", got.Resume)
	}

	if err := st.SetResumeCursor(ctx, "t1", nil); err != nil {
		t.Fatalf("clear cursor: %v", err)
	}
	got, _ = st.GetTask(ctx, "t1")
	if got.Resume != nil {
		t.Fatalf("resume not cleared: %+v", got.Resume)
	}
}

func TestCompletedPhasesAndCost(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, &models.Task{TaskID: "t1", Title: "x", Repositories: []string{"/r"}}); err != nil {
		t.Fatal(err)
	}
	phase := models.CompletedPhase{Phase: models.PhaseAnalysis, CompletedAt: time.Now().UTC()}
	if err := st.AppendCompletedPhase(ctx, "t1", phase); err != nil {
		t.Fatalf("AppendCompletedPhase: %v", err)
	}
	if err := st.AddTaskCost(ctx, "t1", 0.25, 1200); err != nil {
		t.Fatalf("AddTaskCost: %v", err)
	}
	if err := st.AddTaskCost(ctx, "t1", 0.25, 800); err != nil {
		t.Fatalf("AddTaskCost: %v", err)
	}

	got, _ := st.GetTask(ctx, "t1")
	if len(got.CompletedPhases) != 1 || got.CompletedPhases[0].Phase != models.PhaseAnalysis {
		t.Fatalf("phases = %+v", got.CompletedPhases)
	}
	if got.CostUSD != 0.5 || got.TokensUsed != 2000 {
		t.Fatalf("cost = %v tokens = %v", got.CostUSD, got.TokensUsed)
	}
}

func TestStories(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, &models.Task{TaskID: "t1", Title: "x", Repositories: []string{"/r"}}); err != nil {
		t.Fatal(err)
	}
	stories := []models.Story{
		{StoryID: "s0", TaskID: "t1", Index: 0, Title: "first", TargetFiles: []string{"a.go"}},
		{StoryID: "s1", TaskID: "t1", Index: 1, Title: "second", AcceptanceCriteria: []string{"compiles"}},
	}
	if err := st.SaveStories(ctx, "t1", stories); err != nil {
		t.Fatalf("SaveStories: %v", err)
	}
	if err := st.UpdateStoryResult(ctx, "s1", models.VerdictApproved, 2,
		[]string{"no injection risk"}, map[string]string{"/r": "abc123"}); err != nil {
		t.Fatalf("UpdateStoryResult: %v", err)
	}

	got, err := st.ListStories(ctx, "t1")
	if err != nil {
		t.Fatalf("ListStories: %v", err)
	}
	if len(got) != 2 || got[0].StoryID != "s0" || got[1].StoryID != "s1" {
		t.Fatalf("stories = %+v", got)
	}
	if got[1].Verdict != models.VerdictApproved || got[1].Iterations != 2 {
		t.Fatalf("story result = %+v", got[1])
	}
	if got[1].Commits["/r"] != "abc123" {
		t.Fatalf("commits = %v", got[1].Commits)
	}
}

func TestActivityAppend(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	entries := []models.ActivityEntry{
		{TaskID: "t1", Kind: "tool", Tool: "Bash", Input: "go test", Output: "ok"},
		{TaskID: "t1", Kind: "message", Text: "done with the refactor"},
		{TaskID: "t2", Kind: "tool", Tool: "Write", Input: "main.go"},
	}
	if err := st.AppendActivity(ctx, entries); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	if err := st.AppendActivity(ctx, nil); err != nil {
		t.Fatalf("AppendActivity(nil): %v", err)
	}

	n, err := st.CountActivity(ctx, "t1")
	if err != nil || n != 2 {
		t.Fatalf("CountActivity(t1) = %d, %v", n, err)
	}
}

func TestRecoverStaleTasks(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct{ id, status string }{
		{"t1", models.StatusRunning},
		{"t2", models.StatusPaused},
		{"t3", models.StatusCompleted},
		{"t4", models.StatusPending},
	} {
		if err := st.CreateTask(ctx, &models.Task{TaskID: tc.id, Title: "x", Repositories: []string{"/r"}}); err != nil {
			t.Fatal(err)
		}
		if err := st.UpdateTaskStatus(ctx, tc.id, tc.status, ""); err != nil {
			t.Fatal(err)
		}
	}

	n, err := st.RecoverStaleTasks(ctx)
	if err != nil {
		t.Fatalf("RecoverStaleTasks: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2", n)
	}
	for id, want := range map[string]string{
		"t1": models.StatusInterrupted,
		"t2": models.StatusInterrupted,
		"t3": models.StatusCompleted,
		"t4": models.StatusPending,
	} {
		got, _ := st.GetTask(ctx, id)
		if got.Status != want {
			t.Errorf("task %s status = %s, want %s", id, got.Status, want)
		}
	}
}
