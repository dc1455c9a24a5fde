// Package sqlite implements mcpgate.TaskStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcpgate "github.com/useit/mcpgate"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements mcpgate.TaskStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ mcpgate.TaskStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// defaultListLimit applies when ListTasks is called with a non-positive limit.
const defaultListLimit = 50

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the tasks table and its index.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		success INTEGER NOT NULL,
		final_result TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		steps TEXT,
		total_steps INTEGER NOT NULL DEFAULT 0,
		successful_steps INTEGER NOT NULL DEFAULT 0,
		new_files TEXT,
		execution_time REAL NOT NULL DEFAULT 0,
		rounds INTEGER NOT NULL DEFAULT 0,
		token_usage TEXT,
		error TEXT NOT NULL DEFAULT '',
		error_type TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_finished ON tasks(finished_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveTask inserts or replaces a finished task record.
func (s *Store) SaveTask(ctx context.Context, rec mcpgate.TaskRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save task", "id", rec.ID, "success", rec.Success, "steps", len(rec.Steps))

	stepsJSON, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	usageJSON, err := json.Marshal(rec.TokenUsage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	var filesJSON *string
	if len(rec.NewFiles) > 0 {
		data, _ := json.Marshal(rec.NewFiles)
		v := string(data)
		filesJSON = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (id, task, success, final_result, summary, steps,
		   total_steps, successful_steps, new_files, execution_time, rounds, token_usage,
		   error, error_type, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Task, boolToInt(rec.Success), rec.FinalResult, rec.Summary, string(stepsJSON),
		rec.TotalSteps, rec.SuccessfulSteps, filesJSON, rec.ExecutionTime, rec.Rounds, string(usageJSON),
		rec.Error, rec.ErrorType, rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: save task failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save task: %w", err)
	}
	s.logger.Debug("sqlite: save task ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// GetTask returns a stored task by ID, or mcpgate.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (mcpgate.TaskRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get task", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: get task not found", "id", id, "duration", time.Since(start))
		return mcpgate.TaskRecord{}, mcpgate.ErrTaskNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get task failed", "id", id, "error", err, "duration", time.Since(start))
		return mcpgate.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	s.logger.Debug("sqlite: get task ok", "id", id, "duration", time.Since(start))
	return rec, nil
}

// ListTasks returns the most recent tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]mcpgate.TaskRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	start := time.Now()
	s.logger.Debug("sqlite: list tasks", "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("sqlite: list tasks failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []mcpgate.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	s.logger.Debug("sqlite: list tasks ok", "count", len(tasks), "duration", time.Since(start))
	return tasks, nil
}

// Stats aggregates counts over the stored history.
func (s *Store) Stats(ctx context.Context) (mcpgate.StoreStats, error) {
	start := time.Now()

	var st mcpgate.StoreStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(total_steps), 0) FROM tasks`,
	).Scan(&st.TotalTasks, &st.SucceededTasks, &st.TotalSteps)
	if err != nil {
		s.logger.Error("sqlite: stats failed", "error", err, "duration", time.Since(start))
		return mcpgate.StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	st.FailedTasks = st.TotalTasks - st.SucceededTasks

	s.logger.Debug("sqlite: stats ok", "total", st.TotalTasks, "duration", time.Since(start))
	return st, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

const taskColumns = `id, task, success, final_result, summary, steps,
	total_steps, successful_steps, new_files, execution_time, rounds, token_usage,
	error, error_type, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (mcpgate.TaskRecord, error) {
	var rec mcpgate.TaskRecord
	var success int
	var stepsJSON, filesJSON, usageJSON sql.NullString
	var startedAt, finishedAt int64
	err := row.Scan(&rec.ID, &rec.Task, &success, &rec.FinalResult, &rec.Summary, &stepsJSON,
		&rec.TotalSteps, &rec.SuccessfulSteps, &filesJSON, &rec.ExecutionTime, &rec.Rounds, &usageJSON,
		&rec.Error, &rec.ErrorType, &startedAt, &finishedAt)
	if err != nil {
		return mcpgate.TaskRecord{}, err
	}
	rec.Success = success != 0
	if stepsJSON.Valid && stepsJSON.String != "" {
		_ = json.Unmarshal([]byte(stepsJSON.String), &rec.Steps)
	}
	if filesJSON.Valid {
		_ = json.Unmarshal([]byte(filesJSON.String), &rec.NewFiles)
	}
	if usageJSON.Valid && usageJSON.String != "" {
		_ = json.Unmarshal([]byte(usageJSON.String), &rec.TokenUsage)
	}
	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	rec.FinishedAt = time.UnixMilli(finishedAt).UTC()
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
