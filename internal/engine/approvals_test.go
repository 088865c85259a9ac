package engine_test

import (
	"errors"
	"testing"
	"time"

	"discard/internal/engine"
)

func TestCountdownDuration(t *testing.T) {
	cases := []struct {
		amountCents int64
		want        int64
	}{
		{0, 5000},
		{999, 5000},
		{1000, 5100},
		{2500, 5200},
		{100_000, 15000},
		{250_000, 30000},
		{1_000_000, 30000},
	}
	for _, c := range cases {
		if got := engine.CountdownDuration(c.amountCents, nil); got != c.want {
			t.Errorf("CountdownDuration(%d) = %d, want %d", c.amountCents, got, c.want)
		}
	}
}

func TestAutoApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 2500, "auto")

	if flow.Approval.Status != "counting_down" {
		t.Fatalf("approval status = %q, want counting_down", flow.Approval.Status)
	}
	if flow.Approval.CountdownDurationMs == nil || *flow.Approval.CountdownDurationMs != 5200 {
		t.Fatalf("countdown for $25.00 = %v, want 5200", flow.Approval.CountdownDurationMs)
	}

	// Nothing is due while the countdown runs.
	if n := env.RunDue(t); n != 0 {
		t.Fatalf("ran %d tasks before countdown elapsed", n)
	}

	env.Advance(6 * time.Second)
	if n := env.RunDue(t); n == 0 {
		t.Fatal("expected the auto-approval task to run")
	}

	a, err := env.Engine.Repo.GetApproval(env.Ctx, flow.Approval.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if a.Status != "approved" {
		t.Fatalf("approval status = %q, want approved", a.Status)
	}
	if a.ApprovedBy == nil || *a.ApprovedBy != "auto" {
		t.Fatalf("approved by = %v, want auto", a.ApprovedBy)
	}
	if got := env.countEvents(t, "approval_granted"); got != 1 {
		t.Fatalf("approval_granted events = %d, want 1", got)
	}

	// Execution followed in the same drain: the plan went through the bridge.
	p, err := env.Engine.Repo.GetPlan(env.Ctx, flow.Plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if p.Status != "executed" {
		t.Fatalf("plan status = %q, want executed", p.Status)
	}
	s, err := env.Engine.Repo.GetSigningRequestByIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get signing request: %v", err)
	}
	if s.Status != "signing" {
		t.Fatalf("signing request status = %q, want signing", s.Status)
	}
}

func TestDuplicateAutoApprovalSingleGrant(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "auto")

	env.Advance(10 * time.Second)
	if err := env.Engine.ProcessAutoApproval(env.Ctx, flow.Approval.ID); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if err := env.Engine.ProcessAutoApproval(env.Ctx, flow.Approval.ID); err != nil {
		t.Fatalf("duplicate fire: %v", err)
	}
	if got := env.countEvents(t, "approval_granted"); got != 1 {
		t.Fatalf("approval_granted events = %d, want 1", got)
	}
}

func TestManualApproveThenTimerNoop(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "auto")

	a, err := env.Engine.Approve(env.Ctx, flow.Approval.ID, "user-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a.ApprovedBy == nil || *a.ApprovedBy != "user" {
		t.Fatalf("approved by = %v, want user", a.ApprovedBy)
	}

	// The countdown timer still fires; it must lose the race quietly.
	env.Advance(10 * time.Second)
	env.RunDue(t)
	if got := env.countEvents(t, "approval_granted"); got != 1 {
		t.Fatalf("approval_granted events = %d, want 1", got)
	}
}

func TestCancelCountdown(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "auto")

	a, err := env.Engine.CancelCountdown(env.Ctx, flow.Approval.ID, "user-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != "cancelled" {
		t.Fatalf("approval status = %q, want cancelled", a.Status)
	}

	env.Advance(10 * time.Second)
	env.RunDue(t)

	a, err = env.Engine.Repo.GetApproval(env.Ctx, flow.Approval.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if a.Status != "cancelled" {
		t.Fatalf("approval status after timer = %q, want cancelled", a.Status)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "cancelled" {
		t.Fatalf("intent status = %q, want cancelled", in.Status)
	}
	if got := env.countEvents(t, "approval_granted"); got != 0 {
		t.Fatalf("approval_granted events = %d, want 0", got)
	}
}

func TestCancelRequiresCountdown(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "manual")

	_, err := env.Engine.CancelCountdown(env.Ctx, flow.Approval.ID, "user-1")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("cancel pending manual entry: err = %v, want ErrInvalidState", err)
	}
}

func TestApproveWrongUser(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "manual")

	_, err := env.Engine.Approve(env.Ctx, flow.Approval.ID, "someone-else")
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("approve as other user: err = %v, want ErrUnauthorized", err)
	}
}

func TestRejectManualEntry(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "manual")

	a, err := env.Engine.Reject(env.Ctx, flow.Approval.ID, "user-1", "changed my mind")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != "rejected" {
		t.Fatalf("approval status = %q, want rejected", a.Status)
	}
	if a.RejectionReason == nil || *a.RejectionReason != "changed my mind" {
		t.Fatalf("rejection reason = %v, want changed my mind", a.RejectionReason)
	}

	_, err = env.Engine.Reject(env.Ctx, flow.Approval.ID, "user-1", "again")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("double reject: err = %v, want ErrInvalidState", err)
	}
}

func TestSweepExpiredPendingEntries(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "manual")

	// Untouched manual entries expire once the hard deadline passes.
	env.Advance(6 * time.Minute)
	n, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep expired %d entries, want 1", n)
	}
	a, err := env.Engine.Repo.GetApproval(env.Ctx, flow.Approval.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if a.Status != "expired" {
		t.Fatalf("approval status = %q, want expired", a.Status)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "cancelled" {
		t.Fatalf("intent status = %q, want cancelled", in.Status)
	}
	if got := env.countEvents(t, "approval_expired"); got != 1 {
		t.Fatalf("approval_expired events = %d, want 1", got)
	}

	// Second sweep finds nothing.
	if n, err := env.Engine.SweepExpired(env.Ctx); err != nil || n != 0 {
		t.Fatalf("second sweep = (%d, %v), want (0, nil)", n, err)
	}
}

func TestAutoApprovalPastHardExpiry(t *testing.T) {
	env := newTestEnv(t)
	flow := env.submit(t, 1000, "auto")

	// The timer fires long after the hard deadline, e.g. after downtime.
	env.Advance(time.Hour)
	if err := env.Engine.ProcessAutoApproval(env.Ctx, flow.Approval.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	a, err := env.Engine.Repo.GetApproval(env.Ctx, flow.Approval.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if a.Status != "expired" {
		t.Fatalf("approval status = %q, want expired", a.Status)
	}
	if got := env.countEvents(t, "approval_granted"); got != 0 {
		t.Fatalf("approval_granted events = %d, want 0", got)
	}
}

func TestAutoApprovalUnknownEntry(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessAutoApproval(env.Ctx, "no-such-entry"); err != nil {
		t.Fatalf("unknown entry should be a no-op, got %v", err)
	}
}
