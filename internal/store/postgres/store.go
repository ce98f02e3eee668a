// Package postgres is the PostgreSQL-backed store implementation, for
// deployments where several daemons share one database.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devwspito/storyforge/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

// Open connects to the database and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

// Migrate applies any unapplied migrations/*.sql in version order.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return err
	}
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	type migration struct {
		version int
		name    string
		sql     string
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(f.Name(), ".sql")
		idx := strings.Index(base, "_")
		if idx <= 0 {
			return fmt.Errorf("migration %s: want NNNN_name.sql", f.Name())
		}
		v, err := strconv.Atoi(base[:idx])
		if err != nil {
			return fmt.Errorf("migration %s: %w", f.Name(), err)
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{version: v, name: f.Name(), sql: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if applied[m.version] {
			continue
		}
		tx, err := s.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if t.TaskID == "" {
		return errors.New("task_id is required")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	repos, err := json.Marshal(t.Repositories)
	if err != nil {
		return err
	}
	phases, err := json.Marshal(t.CompletedPhases)
	if err != nil {
		return err
	}
	var cursor any
	if t.Resume != nil {
		b, err := json.Marshal(t.Resume)
		if err != nil {
			return err
		}
		cursor = b
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO tasks (task_id, title, description, repositories, auto_approve, status,
  failure_reason, completed_phases, resume_cursor, cost_usd, tokens_used, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.TaskID, t.Title, t.Description, repos, t.AutoApprove, t.Status,
		t.FailureReason, phases, cursor, t.CostUSD, t.TokensUsed, t.CreatedAt, t.UpdatedAt)
	return err
}

const taskColumns = `task_id, title, description, repositories, auto_approve, status,
  failure_reason, completed_phases, resume_cursor, cost_usd, tokens_used, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) NextPendingTask(ctx context.Context) (*models.Task, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC LIMIT 1`,
		models.StatusPending)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) ClaimTask(ctx context.Context, taskID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = now() WHERE task_id = $2 AND status = $3`,
		models.StatusRunning, taskID, models.StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID, status, failureReason string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status = $1, failure_reason = $2, updated_at = now() WHERE task_id = $3`,
		status, failureReason, taskID)
	return err
}

func (s *Store) SetResumeCursor(ctx context.Context, taskID string, cursor *models.ResumeCursor) error {
	var blob any
	if cursor != nil {
		b, err := json.Marshal(cursor)
		if err != nil {
			return err
		}
		blob = b
	}
	_, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET resume_cursor = $1, updated_at = now() WHERE task_id = $2`,
		blob, taskID)
	return err
}

func (s *Store) AppendCompletedPhase(ctx context.Context, taskID string, phase models.CompletedPhase) error {
	blob, err := json.Marshal(phase)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
UPDATE tasks SET completed_phases = completed_phases || $1::jsonb, updated_at = now()
WHERE task_id = $2`, blob, taskID)
	return err
}

func (s *Store) AddTaskCost(ctx context.Context, taskID string, costUSD float64, tokens int64) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET cost_usd = cost_usd + $1, tokens_used = tokens_used + $2, updated_at = now() WHERE task_id = $3`,
		costUSD, tokens, taskID)
	return err
}

func (s *Store) SaveStories(ctx context.Context, taskID string, stories []models.Story) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, st := range stories {
		files, err := json.Marshal(st.TargetFiles)
		if err != nil {
			return err
		}
		criteria, err := json.Marshal(st.AcceptanceCriteria)
		if err != nil {
			return err
		}
		findings, err := json.Marshal(st.Findings)
		if err != nil {
			return err
		}
		commits, err := json.Marshal(st.Commits)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO stories (story_id, task_id, idx, title, description, target_files,
  acceptance_criteria, verdict, iterations, findings, commits)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (story_id) DO UPDATE SET
  title = EXCLUDED.title, description = EXCLUDED.description,
  target_files = EXCLUDED.target_files, acceptance_criteria = EXCLUDED.acceptance_criteria,
  updated_at = now()`,
			st.StoryID, taskID, st.Index, st.Title, st.Description, files,
			criteria, st.Verdict, st.Iterations, findings, commits); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListStories(ctx context.Context, taskID string) ([]models.Story, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT story_id, task_id, idx, title, description, target_files, acceptance_criteria,
  verdict, iterations, findings, commits, created_at, updated_at
FROM stories WHERE task_id = $1 ORDER BY idx ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Story
	for rows.Next() {
		var (
			st                                 models.Story
			files, criteria, findings, commits []byte
		)
		if err := rows.Scan(&st.StoryID, &st.TaskID, &st.Index, &st.Title, &st.Description,
			&files, &criteria, &st.Verdict, &st.Iterations, &findings, &commits,
			&st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(files, &st.TargetFiles); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(criteria, &st.AcceptanceCriteria); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(findings, &st.Findings); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(commits, &st.Commits); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStoryResult(ctx context.Context, storyID, verdict string, iterations int, findings []string, commits map[string]string) error {
	fblob, err := json.Marshal(findings)
	if err != nil {
		return err
	}
	cblob, err := json.Marshal(commits)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
UPDATE stories SET verdict = $1, iterations = $2, findings = $3, commits = $4, updated_at = now()
WHERE story_id = $5`, verdict, iterations, fblob, cblob, storyID)
	return err
}

func (s *Store) AppendActivity(ctx context.Context, entries []models.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		ts := e.CreatedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		batch.Queue(`
INSERT INTO activity_log (task_id, session_id, kind, tool, input, output, text, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.TaskID, e.SessionID, e.Kind, e.Tool, e.Input, e.Output, e.Text, ts)
	}
	return s.Pool.SendBatch(ctx, batch).Close()
}

func (s *Store) CountActivity(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE task_id = $1`, taskID).Scan(&n)
	return n, err
}

func (s *Store) RecoverStaleTasks(ctx context.Context) (int, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = now() WHERE status IN ($2, $3)`,
		models.StatusInterrupted, models.StatusRunning, models.StatusPaused)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t              models.Task
		repos, phases  []byte
		cursor         []byte
	)
	if err := row.Scan(&t.TaskID, &t.Title, &t.Description, &repos, &t.AutoApprove, &t.Status,
		&t.FailureReason, &phases, &cursor, &t.CostUSD, &t.TokensUsed,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(repos, &t.Repositories); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(phases, &t.CompletedPhases); err != nil {
		return nil, err
	}
	if len(cursor) > 0 {
		var c models.ResumeCursor
		if err := json.Unmarshal(cursor, &c); err != nil {
			return nil, fmt.Errorf("decode resume_cursor: %w", err)
		}
		t.Resume = &c
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
