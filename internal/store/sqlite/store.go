// Package sqlite is the SQLite-backed store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devwspito/storyforge/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite implementation of store.Store.
type Store struct {
	DB *sql.DB
}

// Open opens a SQLite database at home/protected/db.sqlite and runs migrations.
func Open(home string) (*Store, error) {
	dbPath := filepath.Join(home, "protected", "db.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{DB: db}
	if err := s.initPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrate applies any unapplied migrations/*.sql in version order.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(f.Name())
		if err != nil {
			return err
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{Version: v, Name: f.Name(), SQL: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(name string) (int, error) {
	base := strings.TrimSuffix(name, ".sql")
	idx := strings.Index(base, "_")
	if idx <= 0 {
		return 0, fmt.Errorf("migration %s: want NNNN_name.sql", name)
	}
	v, err := strconv.Atoi(base[:idx])
	if err != nil {
		return 0, fmt.Errorf("migration %s: %w", name, err)
	}
	return v, nil
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
	cursor, err := marshalCursor(t.Resume)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO tasks (task_id, title, description, repositories, auto_approve, status,
  failure_reason, completed_phases, resume_cursor, cost_usd, tokens_used, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Title, t.Description, string(repos), boolInt(t.AutoApprove), t.Status,
		t.FailureReason, string(phases), cursor, t.CostUSD, t.TokensUsed,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix())
	return err
}

const taskColumns = `task_id, title, description, repositories, auto_approve, status,
  failure_reason, completed_phases, resume_cursor, cost_usd, tokens_used, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT 1`,
		models.StatusPending)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) ClaimTask(ctx context.Context, taskID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		models.StatusRunning, time.Now().Unix(), taskID, models.StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID, status, failureReason string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, failure_reason = ?, updated_at = ? WHERE task_id = ?`,
		status, failureReason, time.Now().Unix(), taskID)
	return err
}

func (s *Store) SetResumeCursor(ctx context.Context, taskID string, cursor *models.ResumeCursor) error {
	blob, err := marshalCursor(cursor)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE tasks SET resume_cursor = ?, updated_at = ? WHERE task_id = ?`,
		blob, time.Now().Unix(), taskID)
	return err
}

func (s *Store) AppendCompletedPhase(ctx context.Context, taskID string, phase models.CompletedPhase) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var blob string
	if err := tx.QueryRowContext(ctx,
		`SELECT completed_phases FROM tasks WHERE task_id = ?`, taskID).Scan(&blob); err != nil {
		return err
	}
	var phases []models.CompletedPhase
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &phases); err != nil {
			return fmt.Errorf("decode completed_phases for %s: %w", taskID, err)
		}
	}
	phases = append(phases, phase)
	out, err := json.Marshal(phases)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET completed_phases = ?, updated_at = ? WHERE task_id = ?`,
		string(out), time.Now().Unix(), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddTaskCost(ctx context.Context, taskID string, costUSD float64, tokens int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET cost_usd = cost_usd + ?, tokens_used = tokens_used + ?, updated_at = ? WHERE task_id = ?`,
		costUSD, tokens, time.Now().Unix(), taskID)
	return err
}

func (s *Store) SaveStories(ctx context.Context, taskID string, stories []models.Story) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().Unix()
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
		if _, err := tx.ExecContext(ctx, `
INSERT INTO stories (story_id, task_id, idx, title, description, target_files,
  acceptance_criteria, verdict, iterations, findings, commits, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(story_id) DO UPDATE SET
  title = excluded.title, description = excluded.description,
  target_files = excluded.target_files, acceptance_criteria = excluded.acceptance_criteria,
  updated_at = excluded.updated_at`,
			st.StoryID, taskID, st.Index, st.Title, st.Description, string(files),
			string(criteria), st.Verdict, st.Iterations, string(findings), string(commits),
			now, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListStories(ctx context.Context, taskID string) ([]models.Story, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT story_id, task_id, idx, title, description, target_files, acceptance_criteria,
  verdict, iterations, findings, commits, created_at, updated_at
FROM stories WHERE task_id = ? ORDER BY idx ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.Story
	for rows.Next() {
		var (
			st                                  models.Story
			files, criteria, findings, commits  string
			createdAt, updatedAt                int64
		)
		if err := rows.Scan(&st.StoryID, &st.TaskID, &st.Index, &st.Title, &st.Description,
			&files, &criteria, &st.Verdict, &st.Iterations, &findings, &commits,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalInto(files, &st.TargetFiles); err != nil {
			return nil, err
		}
		if err := unmarshalInto(criteria, &st.AcceptanceCriteria); err != nil {
			return nil, err
		}
		if err := unmarshalInto(findings, &st.Findings); err != nil {
			return nil, err
		}
		if err := unmarshalInto(commits, &st.Commits); err != nil {
			return nil, err
		}
		st.CreatedAt = time.Unix(createdAt, 0).UTC()
		st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
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
	_, err = s.DB.ExecContext(ctx, `
UPDATE stories SET verdict = ?, iterations = ?, findings = ?, commits = ?, updated_at = ?
WHERE story_id = ?`,
		verdict, iterations, string(fblob), string(cblob), time.Now().Unix(), storyID)
	return err
}

func (s *Store) AppendActivity(ctx context.Context, entries []models.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range entries {
		ts := e.CreatedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO activity_log (task_id, session_id, kind, tool, input, output, text, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TaskID, e.SessionID, e.Kind, e.Tool, e.Input, e.Output, e.Text, ts.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CountActivity(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

func (s *Store) RecoverStaleTasks(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		models.StatusInterrupted, time.Now().Unix(), models.StatusRunning, models.StatusPaused)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                    models.Task
		repos, phases        string
		cursor               sql.NullString
		autoApprove          int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.TaskID, &t.Title, &t.Description, &repos, &autoApprove, &t.Status,
		&t.FailureReason, &phases, &cursor, &t.CostUSD, &t.TokensUsed,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalInto(repos, &t.Repositories); err != nil {
		return nil, err
	}
	if err := unmarshalInto(phases, &t.CompletedPhases); err != nil {
		return nil, err
	}
	if cursor.Valid && cursor.String != "" {
		var c models.ResumeCursor
		if err := json.Unmarshal([]byte(cursor.String), &c); err != nil {
			return nil, fmt.Errorf("decode resume_cursor: %w", err)
		}
		t.Resume = &c
	}
	t.AutoApprove = autoApprove != 0
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func marshalCursor(c *models.ResumeCursor) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalInto(blob string, dst any) error {
	if blob == "" {
		return nil
	}
	return json.Unmarshal([]byte(blob), dst)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
