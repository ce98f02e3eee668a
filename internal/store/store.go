// Package store defines the persistence interface for tasks, stories, and the
// activity log. Implementations: *sqlite.Store (SQLite) and *postgres.Store
// (PostgreSQL).
package store

import (
	"context"
	"fmt"

	"github.com/devwspito/storyforge/internal/store/postgres"
	"github.com/devwspito/storyforge/internal/store/sqlite"
	"github.com/devwspito/storyforge/pkg/models"
)

// Store is the persistence boundary. Task and story records are mutated only
// by the orchestrator; the activity log is append-only telemetry.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, limit int) ([]models.Task, error)
	NextPendingTask(ctx context.Context) (*models.Task, error)
	// ClaimTask moves a pending task to running; returns false if another
	// worker got it first or the task is no longer pending.
	ClaimTask(ctx context.Context, taskID string) (bool, error)
	UpdateTaskStatus(ctx context.Context, taskID, status, failureReason string) error
	SetResumeCursor(ctx context.Context, taskID string, cursor *models.ResumeCursor) error
	AppendCompletedPhase(ctx context.Context, taskID string, phase models.CompletedPhase) error
	AddTaskCost(ctx context.Context, taskID string, costUSD float64, tokens int64) error

	// Stories
	SaveStories(ctx context.Context, taskID string, stories []models.Story) error
	ListStories(ctx context.Context, taskID string) ([]models.Story, error)
	UpdateStoryResult(ctx context.Context, storyID, verdict string, iterations int, findings []string, commits map[string]string) error

	// Activity log (append-only)
	AppendActivity(ctx context.Context, entries []models.ActivityEntry) error
	CountActivity(ctx context.Context, taskID string) (int, error)

	// RecoverStaleTasks reclassifies running/paused tasks to interrupted.
	// Invoked once at process startup; returns the number reclassified.
	RecoverStaleTasks(ctx context.Context) (int, error)

	Close() error
}

// Open selects a Store implementation by driver. An empty driver means sqlite.
func Open(ctx context.Context, driver, home, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return sqlite.Open(home)
	case "postgres":
		return postgres.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}
}
