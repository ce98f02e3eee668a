package gitrepo

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestBranchName(t *testing.T) {
	got := BranchName("task-1", 3)
	if got != "storyforge/task-1/story-3" {
		t.Errorf("BranchName: got %q", got)
	}
}

// initRepo creates a git repo with one committed file and returns its path.
// Skips the test if git is not installed.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not in PATH")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

func TestCLI_changesAndDiff(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	ctx := context.Background()
	var cli CLI

	dirty, err := cli.HasChanges(ctx, dir)
	if err != nil || dirty {
		t.Fatalf("HasChanges clean = %v, %v", dirty, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dirty, err = cli.HasChanges(ctx, dir)
	if err != nil || !dirty {
		t.Fatalf("HasChanges dirty = %v, %v", dirty, err)
	}

	files, err := cli.ChangedFiles(ctx, dir)
	if err != nil || len(files) != 1 || files[0] != "b.txt" {
		t.Fatalf("ChangedFiles = %v, %v", files, err)
	}

	diff, err := cli.FullDiff(ctx, dir)
	if err != nil {
		t.Fatalf("FullDiff: %v", err)
	}
	if !strings.Contains(diff, "b.txt") || !strings.Contains(diff, "+two") {
		t.Fatalf("diff missing untracked file content: %q", diff)
	}
}

func TestCLI_branchCommitDiscard(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	ctx := context.Background()
	var cli CLI

	if err := cli.CreateBranch(ctx, dir, "storyforge/t1/story-0"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// No origin remote: the push inside fails but the commit must land.
	sha, err := cli.CommitAndPush(ctx, dir, "storyforge/t1/story-0", "story 0: change a")
	if err != nil {
		t.Fatalf("CommitAndPush: %v", err)
	}
	if len(sha) != 40 {
		t.Fatalf("sha = %q", sha)
	}

	if err := os.WriteFile(filepath.Join(dir, "junk.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cli.DiscardChanges(ctx, dir); err != nil {
		t.Fatalf("DiscardChanges: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "junk.txt")); !os.IsNotExist(err) {
		t.Error("untracked file survived DiscardChanges")
	}

	if err := cli.Checkout(ctx, dir, "main"); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}
}

type fakeGit struct {
	dirty    map[string]bool
	commits  map[string]string
	failDirs map[string]bool
	discards []string
}

func (f *fakeGit) CreateBranch(_ context.Context, dir, _ string) error { return nil }
func (f *fakeGit) Checkout(_ context.Context, _, _ string) error       { return nil }
func (f *fakeGit) HasChanges(_ context.Context, dir string) (bool, error) {
	return f.dirty[dir], nil
}
func (f *fakeGit) ChangedFiles(_ context.Context, _ string) ([]string, error) { return nil, nil }
func (f *fakeGit) FullDiff(_ context.Context, dir string) (string, error) {
	return "diff for " + dir, nil
}
func (f *fakeGit) CommitAndPush(_ context.Context, dir, _, _ string) (string, error) {
	if f.failDirs[dir] {
		return "", errors.New("index locked")
	}
	return f.commits[dir], nil
}
func (f *fakeGit) DiscardChanges(_ context.Context, dir string) error {
	if f.failDirs[dir] {
		return errors.New("reset failed")
	}
	f.discards = append(f.discards, dir)
	return nil
}
func (f *fakeGit) SetBranchDescription(_ context.Context, _, _, _ string) error { return nil }

func TestCommitAll_partialFailure(t *testing.T) {
	t.Parallel()
	fake := &fakeGit{
		dirty:    map[string]bool{"/a": true, "/b": true, "/c": false},
		commits:  map[string]string{"/a": "sha-a"},
		failDirs: map[string]bool{"/b": true},
	}
	coord := NewCoordinator(fake)

	results, err := coord.CommitAll(context.Background(), []string{"/a", "/b", "/c"}, "br", "msg")
	if err == nil {
		t.Fatal("expected error for failed repo")
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].SHA != "sha-a" || results[0].Err != nil {
		t.Errorf("/a = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Errorf("/b should have failed: %+v", results[1])
	}
	if results[2].SHA != "" || results[2].Err != nil {
		t.Errorf("/c (clean) = %+v", results[2])
	}
}

func TestRollbackAll_bestEffort(t *testing.T) {
	t.Parallel()
	fake := &fakeGit{failDirs: map[string]bool{"/b": true}}
	coord := NewCoordinator(fake)

	err := coord.RollbackAll(context.Background(), []string{"/a", "/b", "/c"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	// Both healthy repos must still have been rolled back.
	if len(fake.discards) != 2 {
		t.Fatalf("discards = %v", fake.discards)
	}
}
