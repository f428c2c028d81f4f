package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/gridflow/internal/workflow"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite keeps all submissions in one database. Each Save replaces the
// task's rows in a single transaction.
type SQLite struct{ db *sql.DB }

var _ workflow.StateStore = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Load(ctx context.Context, key string) (*workflow.Submission, error) {
	var (
		sub     workflow.Submission
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task, backend, next_index, updated_at FROM submissions WHERE task_hash = ?`, key).
		Scan(&sub.Task, &sub.Backend, &sub.NextIndex, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", key, err)
	}
	sub.UpdatedAt = parseTime(updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_index, job_id, branches, state, retries, error, cancelled, file, submitted_at, updated_at
		FROM jobs WHERE task_hash = ? ORDER BY position`, key)
	if err != nil {
		return nil, fmt.Errorf("load jobs %s: %w", key, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			j                  workflow.Job
			branches, state    string
			cancelled          int
			submitted, jobTime string
		)
		if err := rows.Scan(&j.Index, &j.ID, &branches, &state, &j.Retries, &j.Error,
			&cancelled, &j.File, &submitted, &jobTime); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(branches), &j.Branches); err != nil {
			return nil, fmt.Errorf("decode branches of job %d: %w", j.Index, err)
		}
		j.State = workflow.State(state)
		j.Cancelled = cancelled != 0
		j.SubmittedAt = parseTime(submitted)
		j.UpdatedAt = parseTime(jobTime)
		sub.Jobs = append(sub.Jobs, &j)
	}
	return &sub, rows.Err()
}

func (s *SQLite) Save(ctx context.Context, key string, sub *workflow.Submission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO submissions (task_hash, task, backend, next_index, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_hash) DO UPDATE SET
			task = excluded.task,
			backend = excluded.backend,
			next_index = excluded.next_index,
			updated_at = excluded.updated_at`,
		key, sub.Task, sub.Backend, sub.NextIndex, formatTime(sub.UpdatedAt)); err != nil {
		return fmt.Errorf("upsert submission %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE task_hash = ?`, key); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (task_hash, position, job_index, job_id, branches, state, retries, error, cancelled, file, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for pos, j := range sub.Jobs {
		branches, err := json.Marshal(j.Branches)
		if err != nil {
			return err
		}
		cancelled := 0
		if j.Cancelled {
			cancelled = 1
		}
		if _, err := stmt.ExecContext(ctx, key, pos, j.Index, j.ID, string(branches), string(j.State),
			j.Retries, j.Error, cancelled, j.File, formatTime(j.SubmittedAt), formatTime(j.UpdatedAt)); err != nil {
			return fmt.Errorf("insert job %d: %w", j.Index, err)
		}
	}
	return tx.Commit()
}

// Keys lists the task hashes with a stored submission.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_hash FROM submissions ORDER BY task_hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
