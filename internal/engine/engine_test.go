package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"discard/internal/config"
	"discard/internal/db"
	"discard/internal/engine"
	"discard/internal/migrate"
	"discard/internal/scheduler"
	"discard/internal/settlement"
	"discard/internal/signer"
)

type fakeSigner struct {
	mu             sync.Mutex
	needsConsensus bool
	err            error
	calls          int
}

func (f *fakeSigner) SignTransaction(ctx context.Context, req signer.SignRequest) (signer.SignResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return signer.SignResponse{}, f.err
	}
	f.calls++
	status := signer.StatusCreated
	if f.needsConsensus {
		status = signer.StatusConsensusNeeded
	}
	return signer.SignResponse{
		ActivityID:   fmt.Sprintf("act-%d", f.calls),
		ActivityType: "SIGN_TRANSACTION",
		Status:       status,
	}, nil
}

type fakeSettlement struct {
	mu           sync.Mutex
	confirmation settlement.Confirmation
	submits      int
	confirms     int
}

func (f *fakeSettlement) Submit(ctx context.Context, signedTransaction string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return fmt.Sprintf("sig-%d", f.submits), nil
}

func (f *fakeSettlement) Confirm(ctx context.Context, signature string) (settlement.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	return f.confirmation, nil
}

type testEnv struct {
	Engine     engine.Engine
	Tasks      *scheduler.Scheduler
	Signer     *fakeSigner
	Settlement *fakeSettlement
	Ctx        context.Context

	mu  sync.Mutex
	now time.Time
}

func (e *testEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) Advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

// RunDue drains the scheduler, including tasks enqueued by earlier tasks in
// the same drain.
func (e *testEnv) RunDue(t *testing.T) int {
	t.Helper()
	total := 0
	for {
		n, err := e.Tasks.RunDue(e.Ctx)
		if err != nil {
			t.Fatalf("run due: %v", err)
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Signer:     &fakeSigner{},
		Settlement: &fakeSettlement{confirmation: settlement.Confirmation{Confirmed: true}},
		Ctx:        context.Background(),
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := config.Default()
	env.Tasks = scheduler.New(conn, time.Second)
	env.Tasks.Now = env.Now
	env.Engine = engine.New(conn, cfg, env.Tasks, env.Signer, env.Settlement)
	env.Engine.Now = env.Now
	env.Engine.Audit.Now = env.Now
	env.Engine.Repo.Now = env.Now
	env.Engine.RegisterHandlers(env.Tasks)
	if _, err := env.Engine.EnsureWallet(env.Ctx, "user-1", "sub-org-1", "wallet-addr-1"); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return env
}

func (e *testEnv) submit(t *testing.T, amountCents int64, mode string) engine.IntentFlow {
	t.Helper()
	flow, err := e.Engine.SubmitIntent(e.Ctx, engine.IntentOptions{
		UserID:       "user-1",
		Kind:         "payment",
		AmountCents:  amountCents,
		Destination:  "merchant-1",
		ApprovalMode: mode,
	})
	if err != nil {
		t.Fatalf("submit intent: %v", err)
	}
	return flow
}

func (e *testEnv) countEvents(t *testing.T, eventType string) int {
	t.Helper()
	var count int
	err := e.Engine.DB.QueryRowContext(e.Ctx,
		`SELECT count(*) FROM audit_log WHERE user_id='user-1' AND event_type=?`, eventType).Scan(&count)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func (e *testEnv) countTasks(t *testing.T, handler string) int {
	t.Helper()
	var count int
	err := e.Engine.DB.QueryRowContext(e.Ctx,
		`SELECT count(*) FROM scheduled_tasks WHERE handler=?`, handler).Scan(&count)
	if err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	return count
}
