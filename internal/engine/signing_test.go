package engine_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"discard/internal/domain"
	"discard/internal/engine"
	"discard/internal/repo"
	"discard/internal/settlement"
	"discard/internal/signer"
)

func (f *fakeSettlement) setConfirmation(c settlement.Confirmation) {
	f.mu.Lock()
	f.confirmation = c
	f.mu.Unlock()
}

// dispatched drives an intent through approval and the bridge, returning the
// signing request parked on the external signer.
func (e *testEnv) dispatched(t *testing.T) (engine.IntentFlow, domain.SigningRequest) {
	t.Helper()
	flow := e.submit(t, 2500, "auto")
	e.Advance(time.Minute)
	e.RunDue(t)
	s, err := e.Engine.Repo.GetSigningRequestByIntent(e.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get signing request: %v", err)
	}
	if s.SignerActivityID == nil {
		t.Fatal("dispatched request has no signer activity")
	}
	return flow, s
}

func (e *testEnv) completeActivity(t *testing.T, s domain.SigningRequest) {
	t.Helper()
	err := e.Engine.HandleActivityCompletion(e.Ctx, engine.ActivityUpdate{
		ActivityID: *s.SignerActivityID,
		Status:     signer.StatusCompleted,
		Result:     "signed-tx-blob",
	})
	if err != nil {
		t.Fatalf("activity completion: %v", err)
	}
}

func TestSigningFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	flow, s := env.dispatched(t)

	env.completeActivity(t, s)
	s, err := env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if s.Status != "signed" {
		t.Fatalf("request status = %q, want signed", s.Status)
	}
	if s.Signature == nil || *s.Signature != "signed-tx-blob" {
		t.Fatalf("signature = %v, want signed-tx-blob", s.Signature)
	}

	// Submission is due immediately; confirmation polls two seconds later.
	env.RunDue(t)
	s, err = env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if s.Status != "submitted" {
		t.Fatalf("request status = %q, want submitted", s.Status)
	}
	env.Advance(3 * time.Second)
	env.RunDue(t)

	s, err = env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if s.Status != "confirmed" {
		t.Fatalf("request status = %q, want confirmed", s.Status)
	}
	if s.ConfirmationTimeMs == nil {
		t.Fatal("confirmed request has no confirmation time")
	}
	if want := env.Now().UTC().Format(time.RFC3339); s.UpdatedAt != want {
		t.Fatalf("updated_at = %q, want %q from the injected clock", s.UpdatedAt, want)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "completed" {
		t.Fatalf("intent status = %q, want completed", in.Status)
	}
	w, err := env.Engine.Repo.GetWallet(env.Ctx, "user-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Limits.DailySpentCents != 2500 {
		t.Fatalf("daily spent = %d, want 2500", w.Limits.DailySpentCents)
	}
	if got := env.countEvents(t, "settlement_confirmed"); got != 1 {
		t.Fatalf("settlement_confirmed events = %d, want 1", got)
	}
}

func TestDuplicateCompletionWebhook(t *testing.T) {
	env := newTestEnv(t)
	_, s := env.dispatched(t)

	env.completeActivity(t, s)
	env.completeActivity(t, s)

	if got := env.countEvents(t, "signing_completed"); got != 1 {
		t.Fatalf("signing_completed events = %d, want 1", got)
	}
	if got := env.countTasks(t, engine.TaskSubmitSettlement); got != 1 {
		t.Fatalf("submit tasks = %d, want 1", got)
	}
}

func TestUnknownActivityWebhook(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.HandleActivityCompletion(env.Ctx, engine.ActivityUpdate{
		ActivityID: "no-such-activity",
		Status:     signer.StatusCompleted,
		Result:     "whatever",
	})
	if err != nil {
		t.Fatalf("unknown activity should be a no-op, got %v", err)
	}
}

func TestRejectedActivity(t *testing.T) {
	env := newTestEnv(t)
	flow, s := env.dispatched(t)

	err := env.Engine.HandleActivityCompletion(env.Ctx, engine.ActivityUpdate{
		ActivityID: *s.SignerActivityID,
		Status:     signer.StatusRejected,
	})
	if err != nil {
		t.Fatalf("activity rejection: %v", err)
	}
	s, err = env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if s.Status != "rejected" {
		t.Fatalf("request status = %q, want rejected", s.Status)
	}
	if s.Error == nil || *s.Error != "User rejected signing request" {
		t.Fatalf("request error = %v, want User rejected signing request", s.Error)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "cancelled" {
		t.Fatalf("intent status = %q, want cancelled", in.Status)
	}
}

func TestFailedActivity(t *testing.T) {
	env := newTestEnv(t)
	flow, s := env.dispatched(t)

	err := env.Engine.HandleActivityCompletion(env.Ctx, engine.ActivityUpdate{
		ActivityID: *s.SignerActivityID,
		Status:     signer.StatusFailed,
		Error:      "key ceremony aborted",
	})
	if err != nil {
		t.Fatalf("activity failure: %v", err)
	}
	s, err = env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if s.Status != "failed" {
		t.Fatalf("request status = %q, want failed", s.Status)
	}
	if s.Error == nil || *s.Error != "key ceremony aborted" {
		t.Fatalf("request error = %v, want key ceremony aborted", s.Error)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "failed" {
		t.Fatalf("intent status = %q, want failed", in.Status)
	}
}

func TestConsensusNeededParksRequest(t *testing.T) {
	env := newTestEnv(t)
	env.Signer.needsConsensus = true
	_, s := env.dispatched(t)

	if s.Status != "awaiting_approval" {
		t.Fatalf("request status = %q, want awaiting_approval", s.Status)
	}

	// The signer-side approval eventually completes the activity.
	env.completeActivity(t, s)
	s, err := env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if s.Status != "signed" {
		t.Fatalf("request status = %q, want signed", s.Status)
	}
}

func TestPolicyViolationBlocksSigning(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetWalletLimits(env.Ctx, "user-1", domain.PolicyLimits{
		PerTransactionCents: 1000,
		DailyLimitCents:     200_000,
		MonthlyLimitCents:   2_000_000,
	})
	if err != nil {
		t.Fatalf("set limits: %v", err)
	}
	flow := env.submit(t, 5000, "manual")
	if _, err := env.Engine.Approve(env.Ctx, flow.Approval.ID, "user-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.RunDue(t)

	p, err := env.Engine.Repo.GetPlan(env.Ctx, flow.Plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if p.Status != "failed" {
		t.Fatalf("plan status = %q, want failed", p.Status)
	}
	if _, err := env.Engine.Repo.GetSigningRequestByIntent(env.Ctx, flow.Intent.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("signing request lookup: err = %v, want ErrNotFound", err)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "failed" {
		t.Fatalf("intent status = %q, want failed", in.Status)
	}
	if !strings.Contains(in.Error, "per-transaction limit") {
		t.Fatalf("intent error = %q, want a per-transaction limit violation", in.Error)
	}
	if got := env.countEvents(t, "policy_denied"); got != 1 {
		t.Fatalf("policy_denied events = %d, want 1", got)
	}
}

func TestBridgeDispatchErrorFailsIntent(t *testing.T) {
	env := newTestEnv(t)
	env.Signer.err = errors.New("signer unreachable")
	flow := env.submit(t, 2500, "manual")
	if _, err := env.Engine.Approve(env.Ctx, flow.Approval.ID, "user-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.RunDue(t)

	p, err := env.Engine.Repo.GetPlan(env.Ctx, flow.Plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if p.Status != "failed" {
		t.Fatalf("plan status = %q, want failed", p.Status)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "failed" {
		t.Fatalf("intent status = %q, want failed", in.Status)
	}
	if !strings.Contains(in.Error, "BRIDGE_ERROR") {
		t.Fatalf("intent error = %q, want a BRIDGE_ERROR", in.Error)
	}
}

func TestConfirmationRetriesUntilFinal(t *testing.T) {
	env := newTestEnv(t)
	env.Settlement.setConfirmation(settlement.Confirmation{})
	_, s := env.dispatched(t)
	env.completeActivity(t, s)
	env.RunDue(t)

	// First poll finds the transaction still pending and reschedules.
	env.Advance(3 * time.Second)
	env.RunDue(t)
	got, err := env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "submitted" {
		t.Fatalf("request status = %q, want submitted", got.Status)
	}

	env.Settlement.setConfirmation(settlement.Confirmation{Confirmed: true})
	env.Advance(3 * time.Second)
	env.RunDue(t)
	got, err = env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "confirmed" {
		t.Fatalf("request status = %q, want confirmed", got.Status)
	}
}

func TestConfirmationAttemptBudget(t *testing.T) {
	env := newTestEnv(t)
	env.Settlement.setConfirmation(settlement.Confirmation{})
	flow, s := env.dispatched(t)
	env.completeActivity(t, s)
	env.RunDue(t)

	if err := env.Engine.ConfirmSettlement(env.Ctx, s.ID, 30); err != nil {
		t.Fatalf("confirm at budget: %v", err)
	}
	got, err := env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "failed" {
		t.Fatalf("request status = %q, want failed", got.Status)
	}
	if got.Error == nil || *got.Error != "settlement confirmation timed out" {
		t.Fatalf("request error = %v, want settlement confirmation timed out", got.Error)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "failed" {
		t.Fatalf("intent status = %q, want failed", in.Status)
	}
}

func TestSettlementNotificationPush(t *testing.T) {
	env := newTestEnv(t)
	env.Settlement.setConfirmation(settlement.Confirmation{})
	_, s := env.dispatched(t)
	env.completeActivity(t, s)
	env.RunDue(t)

	if err := env.Engine.HandleSettlementNotification(env.Ctx, s.ID, true, false, ""); err != nil {
		t.Fatalf("settlement notification: %v", err)
	}
	got, err := env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "confirmed" {
		t.Fatalf("request status = %q, want confirmed", got.Status)
	}

	// Redelivery is a no-op.
	if err := env.Engine.HandleSettlementNotification(env.Ctx, s.ID, true, false, ""); err != nil {
		t.Fatalf("redelivered notification: %v", err)
	}
	if got := env.countEvents(t, "settlement_confirmed"); got != 1 {
		t.Fatalf("settlement_confirmed events = %d, want 1", got)
	}

	if err := env.Engine.HandleSettlementNotification(env.Ctx, "no-such-request", true, false, ""); err != nil {
		t.Fatalf("unknown request should be a no-op, got %v", err)
	}
}

func TestWatchdogExpiresStuckRequests(t *testing.T) {
	env := newTestEnv(t)
	flow, s := env.dispatched(t)

	// Backdate the last signer contact past the stuck timeout.
	_, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE signing_requests SET updated_at=? WHERE id=?`, "2026-03-01T10:00:00Z", s.ID)
	if err != nil {
		t.Fatalf("backdate request: %v", err)
	}
	n, err := env.Engine.ExpireStuckRequests(env.Ctx)
	if err != nil {
		t.Fatalf("watchdog: %v", err)
	}
	if n != 1 {
		t.Fatalf("watchdog failed %d requests, want 1", n)
	}
	got, err := env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "failed" {
		t.Fatalf("request status = %q, want failed", got.Status)
	}
	if got.Error == nil || *got.Error != "signer did not respond in time" {
		t.Fatalf("request error = %v, want signer did not respond in time", got.Error)
	}
	in, err := env.Engine.Repo.GetIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != "failed" {
		t.Fatalf("intent status = %q, want failed", in.Status)
	}
}

func TestSigningRequiresWallet(t *testing.T) {
	env := newTestEnv(t)
	flow, err := env.Engine.SubmitIntent(env.Ctx, engine.IntentOptions{
		UserID:      "user-2",
		Kind:        "payment",
		AmountCents: 1000,
		Destination: "merchant-1",
	})
	if err != nil {
		t.Fatalf("submit intent: %v", err)
	}
	_, err = env.Engine.CreateSigningRequest(env.Ctx, flow.Intent.ID)
	if !errors.Is(err, engine.ErrNoWalletConfigured) {
		t.Fatalf("create signing request without wallet: err = %v, want ErrNoWalletConfigured", err)
	}
}
