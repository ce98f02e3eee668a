package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// CommitResult records the outcome of committing one repository.
type CommitResult struct {
	Dir string
	SHA string
	Err error
}

// Coordinator applies a story's outcome across every repository the task
// touches. Commits are per-repository and not atomic: a failure in one repo
// does not unwind commits already made in another, it is reported in that
// repo's CommitResult instead.
type Coordinator struct {
	git Git
}

// NewCoordinator returns a coordinator driving git.
func NewCoordinator(git Git) *Coordinator {
	return &Coordinator{git: git}
}

// CommitAll commits and pushes branch in every dir that has changes. Repos
// with a clean tree get an empty SHA and no error. The returned error is
// non-nil if any repo failed; per-repo detail lives in the results.
func (c *Coordinator) CommitAll(ctx context.Context, dirs []string, branch, message string) ([]CommitResult, error) {
	results := make([]CommitResult, 0, len(dirs))
	var failed int
	for _, dir := range dirs {
		res := CommitResult{Dir: dir}
		dirty, err := c.git.HasChanges(ctx, dir)
		switch {
		case err != nil:
			res.Err = err
		case !dirty:
			slog.Debug("no changes to commit", "dir", dir)
		default:
			res.SHA, res.Err = c.git.CommitAndPush(ctx, dir, branch, message)
		}
		if res.Err != nil {
			failed++
			slog.Error("commit failed", "dir", dir, "error", res.Err)
		}
		results = append(results, res)
	}
	if failed > 0 {
		return results, fmt.Errorf("commit failed in %d of %d repositories", failed, len(dirs))
	}
	return results, nil
}

// RollbackAll discards uncommitted changes in every dir. Best effort: all
// repos are attempted and the failures joined.
func (c *Coordinator) RollbackAll(ctx context.Context, dirs []string) error {
	var errs []error
	for _, dir := range dirs {
		if err := c.git.DiscardChanges(ctx, dir); err != nil {
			slog.Warn("rollback failed", "dir", dir, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// Branches creates the story branch in every dir, annotating it with the
// story title. A failure stops the loop; already-created branches are left
// in place for the caller's rollback.
func (c *Coordinator) Branches(ctx context.Context, dirs []string, branch, title string) error {
	for _, dir := range dirs {
		if err := c.git.CreateBranch(ctx, dir, branch); err != nil {
			return fmt.Errorf("create branch in %s: %w", dir, err)
		}
		if err := c.git.SetBranchDescription(ctx, dir, branch, title); err != nil {
			slog.Debug("branch description not set", "dir", dir, "error", err)
		}
	}
	return nil
}

// CombinedDiff concatenates per-repo diffs with a header naming each repo.
func (c *Coordinator) CombinedDiff(ctx context.Context, dirs []string) (string, error) {
	var sb []byte
	for _, dir := range dirs {
		diff, err := c.git.FullDiff(ctx, dir)
		if err != nil {
			return "", fmt.Errorf("diff %s: %w", dir, err)
		}
		if diff == "" {
			continue
		}
		sb = append(sb, []byte(fmt.Sprintf("### %s\n%s\n", dir, diff))...)
	}
	return string(sb), nil
}
