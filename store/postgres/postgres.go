// Package postgres implements mcpgate.TaskStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mcpgate "github.com/useit/mcpgate"
)

// Store implements mcpgate.TaskStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ mcpgate.TaskStore = (*Store)(nil)

// defaultListLimit applies when ListTasks is called with a non-positive limit.
const defaultListLimit = 50

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the tasks table and its index.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			final_result TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			steps JSONB,
			total_steps INTEGER NOT NULL DEFAULT 0,
			successful_steps INTEGER NOT NULL DEFAULT 0,
			new_files JSONB,
			execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			rounds INTEGER NOT NULL DEFAULT 0,
			token_usage JSONB,
			error TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_finished_idx ON tasks(finished_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// SaveTask inserts or replaces a finished task record.
func (s *Store) SaveTask(ctx context.Context, rec mcpgate.TaskRecord) error {
	stepsJSON, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("postgres: marshal steps: %w", err)
	}
	usageJSON, err := json.Marshal(rec.TokenUsage)
	if err != nil {
		return fmt.Errorf("postgres: marshal usage: %w", err)
	}
	var filesJSON *string
	if len(rec.NewFiles) > 0 {
		data, _ := json.Marshal(rec.NewFiles)
		v := string(data)
		filesJSON = &v
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, task, success, final_result, summary, steps,
		   total_steps, successful_steps, new_files, execution_time, rounds, token_usage,
		   error, error_type, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10, $11, $12::jsonb, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   task = EXCLUDED.task,
		   success = EXCLUDED.success,
		   final_result = EXCLUDED.final_result,
		   summary = EXCLUDED.summary,
		   steps = EXCLUDED.steps,
		   total_steps = EXCLUDED.total_steps,
		   successful_steps = EXCLUDED.successful_steps,
		   new_files = EXCLUDED.new_files,
		   execution_time = EXCLUDED.execution_time,
		   rounds = EXCLUDED.rounds,
		   token_usage = EXCLUDED.token_usage,
		   error = EXCLUDED.error,
		   error_type = EXCLUDED.error_type,
		   started_at = EXCLUDED.started_at,
		   finished_at = EXCLUDED.finished_at`,
		rec.ID, rec.Task, rec.Success, rec.FinalResult, rec.Summary, string(stepsJSON),
		rec.TotalSteps, rec.SuccessfulSteps, filesJSON, rec.ExecutionTime, rec.Rounds, string(usageJSON),
		rec.Error, rec.ErrorType, rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: save task: %w", err)
	}
	return nil
}

// GetTask returns a stored task by ID, or mcpgate.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (mcpgate.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	rec, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return mcpgate.TaskRecord{}, mcpgate.ErrTaskNotFound
	}
	if err != nil {
		return mcpgate.TaskRecord{}, fmt.Errorf("postgres: get task: %w", err)
	}
	return rec, nil
}

// ListTasks returns the most recent tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]mcpgate.TaskRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY finished_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []mcpgate.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate tasks: %w", err)
	}
	return tasks, nil
}

// Stats aggregates counts over the stored history.
func (s *Store) Stats(ctx context.Context) (mcpgate.StoreStats, error) {
	var st mcpgate.StoreStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE success),
		        COALESCE(SUM(total_steps), 0)
		 FROM tasks`,
	).Scan(&st.TotalTasks, &st.SucceededTasks, &st.TotalSteps)
	if err != nil {
		return mcpgate.StoreStats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	st.FailedTasks = st.TotalTasks - st.SucceededTasks
	return st, nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

const taskColumns = `id, task, success, final_result, summary, steps,
	total_steps, successful_steps, new_files, execution_time, rounds, token_usage,
	error, error_type, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (mcpgate.TaskRecord, error) {
	var rec mcpgate.TaskRecord
	var stepsJSON, filesJSON, usageJSON []byte
	var startedAt, finishedAt int64
	err := row.Scan(&rec.ID, &rec.Task, &rec.Success, &rec.FinalResult, &rec.Summary, &stepsJSON,
		&rec.TotalSteps, &rec.SuccessfulSteps, &filesJSON, &rec.ExecutionTime, &rec.Rounds, &usageJSON,
		&rec.Error, &rec.ErrorType, &startedAt, &finishedAt)
	if err != nil {
		return mcpgate.TaskRecord{}, err
	}
	if stepsJSON != nil {
		_ = json.Unmarshal(stepsJSON, &rec.Steps)
	}
	if filesJSON != nil {
		_ = json.Unmarshal(filesJSON, &rec.NewFiles)
	}
	if usageJSON != nil {
		_ = json.Unmarshal(usageJSON, &rec.TokenUsage)
	}
	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	rec.FinishedAt = time.UnixMilli(finishedAt).UTC()
	return rec, nil
}
