// Package gitrepo wraps the git CLI for story branch management and commit
// coordination across the repositories a task touches.
package gitrepo

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Git is the repository surface the orchestrator needs. Implemented by CLI;
// tests substitute fakes.
type Git interface {
	// CreateBranch creates branch name at the current HEAD and checks it out.
	CreateBranch(ctx context.Context, dir, name string) error
	// Checkout switches dir to an existing branch or ref.
	Checkout(ctx context.Context, dir, ref string) error
	// HasChanges reports whether dir has uncommitted changes (staged or not).
	HasChanges(ctx context.Context, dir string) (bool, error)
	// ChangedFiles lists paths with uncommitted changes.
	ChangedFiles(ctx context.Context, dir string) ([]string, error)
	// FullDiff returns the working-tree diff against HEAD, including untracked files.
	FullDiff(ctx context.Context, dir string) (string, error)
	// CommitAndPush stages everything, commits with message, and pushes the
	// branch. Push failure is non-fatal; the local SHA is still returned.
	CommitAndPush(ctx context.Context, dir, branch, message string) (sha string, err error)
	// DiscardChanges drops all uncommitted work, including untracked files.
	DiscardChanges(ctx context.Context, dir string) error
	// SetBranchDescription records a description in branch.<name>.description.
	SetBranchDescription(ctx context.Context, dir, branch, description string) error
}

// BranchName returns the branch a story's work lands on: storyforge/<task>/story-<n>.
func BranchName(taskID string, storyIndex int) string {
	return fmt.Sprintf("storyforge/%s/story-%d", taskID, storyIndex)
}

// CLI shells out to the git binary.
type CLI struct{}

var _ Git = CLI{}

func (CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (c CLI) CreateBranch(ctx context.Context, dir, name string) error {
	_, err := c.run(ctx, dir, "checkout", "-b", name)
	return err
}

func (c CLI) Checkout(ctx context.Context, dir, ref string) error {
	_, err := c.run(ctx, dir, "checkout", ref)
	return err
}

func (c CLI) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (c CLI) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		// Porcelain lines are "XY path"; renames are "XY old -> new".
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, path)
	}
	return files, nil
}

func (c CLI) FullDiff(ctx context.Context, dir string) (string, error) {
	// Intent-to-add makes untracked files show up in the diff.
	if _, err := c.run(ctx, dir, "add", "-N", "."); err != nil {
		return "", err
	}
	return c.run(ctx, dir, "diff", "HEAD")
}

func (c CLI) CommitAndPush(ctx context.Context, dir, branch, message string) (string, error) {
	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, dir, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	sha := strings.TrimSpace(out)
	if _, err := c.run(ctx, dir, "push", "-u", "origin", branch); err != nil {
		// Local commit stands; push can be retried out of band.
		slog.Warn("git push failed, commit is local only", "dir", dir, "branch", branch, "error", err)
	}
	return sha, nil
}

func (c CLI) DiscardChanges(ctx context.Context, dir string) error {
	if _, err := c.run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := c.run(ctx, dir, "clean", "-fd")
	return err
}

func (c CLI) SetBranchDescription(ctx context.Context, dir, branch, description string) error {
	_, err := c.run(ctx, dir, "config", "branch."+branch+".description", description)
	return err
}
