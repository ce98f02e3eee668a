// Package buildcheck verifies that a story's changes still build before they
// are allowed to commit. It probes each repository for a known manifest,
// runs the ecosystem's cheapest check command, and drives a bounded
// fix-and-recheck loop through the owning agent session on failure.
package buildcheck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/devwspito/storyforge/internal/iteration"
	"github.com/devwspito/storyforge/internal/otel"
	"github.com/devwspito/storyforge/pkg/models"
)

// System is a recognized build system.
type System struct {
	Name     string
	Manifest string
	Command  []string
}

// systems is the probe order. First manifest found wins.
var systems = []System{
	{Name: "go", Manifest: "go.mod", Command: []string{"go", "build", "./..."}},
	{Name: "node", Manifest: "package.json", Command: []string{"npm", "run", "build", "--if-present"}},
	{Name: "rust", Manifest: "Cargo.toml", Command: []string{"cargo", "check"}},
	{Name: "maven", Manifest: "pom.xml", Command: []string{"mvn", "-q", "compile"}},
	{Name: "python", Manifest: "pyproject.toml", Command: []string{"python", "-m", "compileall", "."}},
	{Name: "make", Manifest: "Makefile", Command: []string{"make", "-n"}},
}

const (
	maxOutputBytes = 64 << 10
	buildTimeout   = 10 * time.Minute
)

// Detect returns the build system for dir, or nil when no manifest matches.
func Detect(dir string) *System {
	for _, sys := range systems {
		if _, err := os.Stat(filepath.Join(dir, sys.Manifest)); err == nil {
			s := sys
			return &s
		}
	}
	return nil
}

// Runner executes a build command in dir and returns its combined output.
// Swapped out in tests.
type Runner func(ctx context.Context, dir string, command []string) (output string, err error)

func execRunner(ctx context.Context, dir string, command []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return tail(string(out), maxOutputBytes), err
}

// tail keeps the last n bytes; build errors cluster at the end of output.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Fixer requests one fix cycle from the session that produced the changes.
type Fixer interface {
	FixOnce(ctx context.Context, unit iteration.Unit, instruction string) (iteration.Result, error)
}

// Verifier checks repositories and mediates fix attempts.
type Verifier struct {
	fixer       Fixer
	run         Runner
	maxAttempts int
	notify      iteration.Notifier
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRunner substitutes the command runner.
func WithRunner(r Runner) Option {
	return func(v *Verifier) { v.run = r }
}

// WithMaxAttempts overrides the attempt bound.
func WithMaxAttempts(n int) Option {
	return func(v *Verifier) { v.maxAttempts = n }
}

// WithNotifier sets the progress sink.
func WithNotifier(n iteration.Notifier) Option {
	return func(v *Verifier) { v.notify = n }
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.ProgressEvent) {}

// New returns a verifier that asks fixer for repairs.
func New(fixer Fixer, opts ...Option) *Verifier {
	v := &Verifier{
		fixer:       fixer,
		run:         execRunner,
		maxAttempts: models.DefaultMaxBuildAttempts,
		notify:      nopNotifier{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks every dir, requesting a fix cycle between failed attempts.
// Returns nil once all dirs pass; a non-nil error means the bound was
// exhausted and the caller must roll the story back.
func (v *Verifier) Verify(ctx context.Context, unit iteration.Unit, dirs []string) error {
	for attempt := 1; attempt <= v.maxAttempts; attempt++ {
		failures := v.checkAll(ctx, unit, dirs)
		if len(failures) == 0 {
			return nil
		}
		if attempt == v.maxAttempts {
			return fmt.Errorf("build still failing after %d attempts: %s", v.maxAttempts, failures[0].summary())
		}
		slog.Info("build failed, requesting fix",
			"task", unit.TaskID, "attempt", attempt, "failures", len(failures))
		if _, err := v.fixer.FixOnce(ctx, unit, fixInstruction(failures)); err != nil {
			return fmt.Errorf("build fix cycle: %w", err)
		}
	}
	return nil
}

type failure struct {
	dir    string
	system string
	output string
	err    error
}

func (f failure) summary() string {
	return fmt.Sprintf("%s (%s): %v", f.dir, f.system, f.err)
}

func (v *Verifier) checkAll(ctx context.Context, unit iteration.Unit, dirs []string) []failure {
	var failures []failure
	for _, dir := range dirs {
		sys := Detect(dir)
		if sys == nil {
			// No recognized manifest: nothing to verify.
			slog.Debug("no build manifest, skipping", "dir", dir)
			continue
		}
		out, err := v.run(ctx, dir, sys.Command)
		outcome := "pass"
		if err != nil {
			outcome = "fail"
			failures = append(failures, failure{dir: dir, system: sys.Name, output: out, err: err})
		}
		otel.RecordBuildCheck(ctx, sys.Name, outcome)
		v.notify.Publish(models.ProgressEvent{
			Type:      models.EventBuildCheck,
			TaskID:    unit.TaskID,
			StoryID:   unit.StoryID,
			Summary:   fmt.Sprintf("%s: %s %s", filepath.Base(dir), sys.Name, outcome),
			Timestamp: time.Now().UTC(),
		})
	}
	return failures
}

func fixInstruction(failures []failure) string {
	msg := "The build is failing. Fix the following errors, then stop:\n"
	for _, f := range failures {
		msg += fmt.Sprintf("\n--- %s (%s) ---\n%s\n", f.dir, f.system, f.output)
	}
	return msg
}
