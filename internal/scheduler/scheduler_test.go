package scheduler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"discard/internal/db"
	"discard/internal/migrate"
	"discard/internal/scheduler"
)

type schedEnv struct {
	Sched *scheduler.Scheduler
	Ctx   context.Context

	mu  sync.Mutex
	now time.Time
}

func (e *schedEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *schedEnv) Advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &schedEnv{
		Ctx: context.Background(),
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.Sched = scheduler.New(conn, time.Second)
	env.Sched.Now = env.Now
	return env
}

func TestEnqueueAndRunDue(t *testing.T) {
	env := newSchedEnv(t)
	runs := 0
	var got string
	env.Sched.Handle("test.echo", func(ctx context.Context, payload json.RawMessage) error {
		runs++
		var p struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		got = p.Value
		return nil
	})

	id, err := env.Sched.Enqueue(env.Ctx, "test.echo", map[string]string{"value": "hello"}, env.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, err := env.Sched.RunDue(env.Ctx); err != nil || n != 1 {
		t.Fatalf("run due = (%d, %v), want (1, nil)", n, err)
	}
	if runs != 1 || got != "hello" {
		t.Fatalf("handler ran %d times with %q", runs, got)
	}

	// The task is done; a second pass must not rerun it.
	if n, err := env.Sched.RunDue(env.Ctx); err != nil || n != 0 {
		t.Fatalf("second run due = (%d, %v), want (0, nil)", n, err)
	}
	task, err := env.Sched.Get(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "done" || task.Attempts != 1 || task.CompletedAt == nil {
		t.Fatalf("task after run: %+v", task)
	}
}

func TestFutureTaskNotClaimed(t *testing.T) {
	env := newSchedEnv(t)
	runs := 0
	env.Sched.Handle("test.later", func(ctx context.Context, payload json.RawMessage) error {
		runs++
		return nil
	})

	if _, err := env.Sched.Enqueue(env.Ctx, "test.later", nil, env.Now().Add(time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, _ := env.Sched.RunDue(env.Ctx); n != 0 {
		t.Fatalf("ran %d tasks before run_at", n)
	}
	env.Advance(2 * time.Minute)
	if n, _ := env.Sched.RunDue(env.Ctx); n != 1 {
		t.Fatalf("ran %d tasks after run_at, want 1", n)
	}
	if runs != 1 {
		t.Fatalf("handler ran %d times, want 1", runs)
	}
}

func TestHandlerErrorRecorded(t *testing.T) {
	env := newSchedEnv(t)
	env.Sched.Handle("test.fail", func(ctx context.Context, payload json.RawMessage) error {
		return fmt.Errorf("downstream unavailable")
	})

	id, err := env.Sched.Enqueue(env.Ctx, "test.fail", nil, env.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, err := env.Sched.RunDue(env.Ctx); err != nil || n != 1 {
		t.Fatalf("run due = (%d, %v), want (1, nil)", n, err)
	}
	task, err := env.Sched.Get(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "failed" {
		t.Fatalf("task status = %q, want failed", task.Status)
	}
	if task.LastError == nil || *task.LastError != "downstream unavailable" {
		t.Fatalf("last error = %v", task.LastError)
	}
}

func TestUnregisteredHandlerFails(t *testing.T) {
	env := newSchedEnv(t)
	id, err := env.Sched.Enqueue(env.Ctx, "test.nobody", nil, env.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, err := env.Sched.RunDue(env.Ctx); err != nil || n != 1 {
		t.Fatalf("run due = (%d, %v), want (1, nil)", n, err)
	}
	task, err := env.Sched.Get(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "failed" || task.LastError == nil {
		t.Fatalf("task after run: %+v", task)
	}
}

func TestTasksRunInScheduleOrder(t *testing.T) {
	env := newSchedEnv(t)
	var order []string
	env.Sched.Handle("test.order", func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		order = append(order, p.Name)
		return nil
	})

	base := env.Now()
	for i, name := range []string{"third", "first", "second"} {
		offset := []time.Duration{2 * time.Second, 0, time.Second}[i]
		if _, err := env.Sched.Enqueue(env.Ctx, "test.order", map[string]string{"name": name}, base.Add(offset)); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}
	env.Advance(time.Minute)
	if n, _ := env.Sched.RunDue(env.Ctx); n != 3 {
		t.Fatalf("ran %d tasks, want 3", n)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
