// Package scheduler executes callbacks at (or after) a scheduled time. Tasks
// live in the database so countdown and settlement callbacks survive process
// restarts; the poll loop claims each due task with a conditional update so a
// task fires at most once even with concurrent pollers.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"discard/internal/domain"
)

// HandlerFunc runs a claimed task. A returned error marks the task failed;
// it is never retried automatically.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

type Scheduler struct {
	DB           *sql.DB
	Now          func() time.Time
	PollInterval time.Duration
	Logger       *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(db *sql.DB, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Scheduler{
		DB:           db,
		Now:          time.Now,
		PollInterval: pollInterval,
		handlers:     make(map[string]HandlerFunc),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Handle registers the callback for a handler name.
func (s *Scheduler) Handle(name string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

func (s *Scheduler) handler(name string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[name]
	return fn, ok
}

// EnqueueTx schedules a task inside the caller's transaction so the task
// becomes visible exactly when the state change that needs it commits.
func (s *Scheduler) EnqueueTx(ctx context.Context, tx *sql.Tx, handler string, payload any, runAt time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("schedule %s: marshal payload: %w", handler, err)
	}
	id := uuid.New().String()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(id,handler,payload_json,run_at,status,attempts,created_at) VALUES (?,?,?,?,'pending',0,?)`,
		id, handler, string(data), runAt.UTC().Format(time.RFC3339), s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", handler, err)
	}
	return id, nil
}

// Enqueue schedules a task outside any transaction.
func (s *Scheduler) Enqueue(ctx context.Context, handler string, payload any, runAt time.Time) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := s.EnqueueTx(ctx, tx, handler, payload, runAt)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

// Run polls for due tasks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.RunDue(ctx); err != nil {
			s.logger().Printf("scheduler: run due tasks: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunDue claims and executes every task whose run_at has passed. Returns the
// number of tasks executed. Exposed so tests can drive time explicitly.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	now := s.now().UTC().Format(time.RFC3339)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM scheduled_tasks WHERE status='pending' AND run_at<=? ORDER BY run_at ASC, id ASC`, now)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	ran := 0
	for _, id := range ids {
		claimed, err := s.claim(ctx, id, now)
		if err != nil {
			return ran, err
		}
		if !claimed {
			continue
		}
		s.execute(ctx, id)
		ran++
	}
	return ran, nil
}

// claim flips a task pending -> running; zero rows affected means another
// poller got there first.
func (s *Scheduler) claim(ctx context.Context, id, now string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status='running', attempts=attempts+1 WHERE id=? AND status='pending' AND run_at<=?`,
		id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	var (
		handler string
		payload string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT handler, payload_json FROM scheduled_tasks WHERE id=?`, id).
		Scan(&handler, &payload)
	if err != nil {
		s.logger().Printf("scheduler: load task %s: %v", id, err)
		return
	}
	fn, ok := s.handler(handler)
	if !ok {
		s.finish(ctx, id, fmt.Errorf("no handler registered for %s", handler))
		return
	}
	// Handler errors are recorded, never raised: there is no synchronous
	// caller to surface them to.
	s.finish(ctx, id, fn(ctx, json.RawMessage(payload)))
}

func (s *Scheduler) finish(ctx context.Context, id string, runErr error) {
	now := s.now().UTC().Format(time.RFC3339)
	if runErr == nil {
		if _, err := s.DB.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status='done', completed_at=? WHERE id=?`, now, id); err != nil {
			s.logger().Printf("scheduler: mark task %s done: %v", id, err)
		}
		return
	}
	s.logger().Printf("scheduler: task %s failed: %v", id, runErr)
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status='failed', last_error=?, completed_at=? WHERE id=?`, runErr.Error(), now, id); err != nil {
		s.logger().Printf("scheduler: mark task %s failed: %v", id, err)
	}
}

// Get returns one scheduled task.
func (s *Scheduler) Get(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id,handler,payload_json,run_at,status,attempts,last_error,created_at,completed_at FROM scheduled_tasks WHERE id=?`, id)
	var (
		t         domain.ScheduledTask
		lastErr   sql.NullString
		completed sql.NullString
	)
	err := row.Scan(&t.ID, &t.Handler, &t.PayloadJSON, &t.RunAt, &t.Status, &t.Attempts, &lastErr, &t.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, sql.ErrNoRows
	}
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, err
}
