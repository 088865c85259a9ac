package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"discard/internal/audit"
	"discard/internal/domain"
	"discard/internal/repo"
)

// CountdownDuration computes how long an auto-approval countdown runs for a
// given amount. Higher-value transactions get proportionally more
// cancellation time, capped to bound UX latency.
func CountdownDuration(amountCents int64, cfg *CountdownConfig) int64 {
	base, perTen, max := int64(5000), int64(100), int64(30000)
	if cfg != nil {
		base, perTen, max = cfg.BaseMs, cfg.PerTenDollarsMs, cfg.MaxMs
	}
	// One increment per full ten dollars.
	d := base + (amountCents/1000)*perTen
	if d > max {
		d = max
	}
	return d
}

// CountdownConfig overrides the default countdown parameters.
type CountdownConfig struct {
	BaseMs          int64
	PerTenDollarsMs int64
	MaxMs           int64
}

func (e Engine) countdownConfig() *CountdownConfig {
	if e.Config == nil {
		return nil
	}
	return &CountdownConfig{
		BaseMs:          e.Config.Countdown.BaseMs,
		PerTenDollarsMs: e.Config.Countdown.PerTenDollarsMs,
		MaxMs:           e.Config.Countdown.MaxMs,
	}
}

func (e Engine) approvalExpiry() time.Duration {
	if e.Config != nil && e.Config.Approval.ExpiryMinutes > 0 {
		return time.Duration(e.Config.Approval.ExpiryMinutes) * time.Minute
	}
	return 5 * time.Minute
}

// ApprovalCreateOptions are parameters for creating an approval entry.
type ApprovalCreateOptions struct {
	UserID      string
	PlanID      string
	IntentID    string
	Preview     domain.ApprovalPreview
	Mode        string // auto or manual
	CountdownMs int64  // auto mode only; computed from amount when zero
}

// CreateApproval gates a plan behind user consent. Auto mode starts the
// countdown and schedules the auto-approval callback; manual mode waits for
// an explicit decision. The hard expiry is fixed at creation and independent
// of the countdown.
func (e Engine) CreateApproval(ctx context.Context, opts ApprovalCreateOptions) (domain.ApprovalEntry, error) {
	if opts.Mode != "auto" && opts.Mode != "manual" {
		return domain.ApprovalEntry{}, fmt.Errorf("approval mode must be auto or manual, got %q", opts.Mode)
	}
	plan, err := e.Repo.GetPlan(ctx, opts.PlanID)
	if err != nil {
		return domain.ApprovalEntry{}, fmt.Errorf("plan %s: %w", opts.PlanID, err)
	}
	if opts.UserID == "" {
		opts.UserID = plan.UserID
	}
	now := e.now().UTC()
	a := domain.ApprovalEntry{
		ID:           uuid.New().String(),
		UserID:       opts.UserID,
		PlanID:       opts.PlanID,
		IntentID:     opts.IntentID,
		Preview:      opts.Preview,
		ApprovalMode: opts.Mode,
		Status:       "pending",
		CreatedAt:    now.Format(time.RFC3339),
		ExpiresAt:    now.Add(e.approvalExpiry()).Format(time.RFC3339),
	}
	var countdownMs int64
	if opts.Mode == "auto" {
		countdownMs = opts.CountdownMs
		if countdownMs <= 0 {
			countdownMs = CountdownDuration(opts.Preview.TotalMaxCents, e.countdownConfig())
		}
		started := now.Format(time.RFC3339)
		autoAt := now.UnixMilli() + countdownMs
		a.Status = "counting_down"
		a.CountdownStartedAt = &started
		a.CountdownDurationMs = &countdownMs
		a.AutoApproveAtMs = &autoAt
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalEntry{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.ApprovalEntry{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.Repo.SetPlanStatus(ctx, tx, a.PlanID, "awaiting_approval"); err != nil {
		return domain.ApprovalEntry{}, err
	}
	if err := e.Repo.SetIntentStatus(ctx, tx, a.IntentID, "awaiting_approval", ""); err != nil {
		return domain.ApprovalEntry{}, err
	}
	if err := e.Audit.Append(ctx, tx, a.UserID, audit.ApprovalCreated{
		ApprovalID:    a.ID,
		PlanID:        a.PlanID,
		IntentID:      a.IntentID,
		Mode:          a.ApprovalMode,
		TotalMaxCents: a.Preview.TotalMaxCents,
		CountdownMs:   countdownMs,
	}); err != nil {
		return domain.ApprovalEntry{}, err
	}
	if opts.Mode == "auto" {
		runAt := now.Add(time.Duration(countdownMs) * time.Millisecond)
		if _, err := e.Tasks.EnqueueTx(ctx, tx, TaskAutoApprove, autoApprovePayload{EntryID: a.ID}, runAt); err != nil {
			return domain.ApprovalEntry{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalEntry{}, err
	}
	return a, nil
}

// Approve resolves an entry in the user's favor and schedules execution.
func (e Engine) Approve(ctx context.Context, entryID, userID string) (domain.ApprovalEntry, error) {
	a, err := e.Repo.GetApproval(ctx, entryID)
	if err != nil {
		return domain.ApprovalEntry{}, err
	}
	if a.UserID != userID {
		return domain.ApprovalEntry{}, ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalEntry{}, err
	}
	defer tx.Rollback()
	if err := e.grantApproval(ctx, tx, a, "user"); err != nil {
		return domain.ApprovalEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalEntry{}, err
	}
	return e.Repo.GetApproval(ctx, entryID)
}

// grantApproval performs the shared approved-path transition inside tx. The
// CAS on {pending,counting_down} is what makes concurrent user action and
// timer firing resolve to exactly one grant.
func (e Engine) grantApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalEntry, by string) error {
	ok, err := e.Repo.ResolveApproval(ctx, tx, a.ID, []string{"pending", "counting_down"}, "approved", repo.ApprovalResolution{
		ResolvedAt: e.now().UTC().Format(time.RFC3339),
		ApprovedBy: by,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	if err := e.Repo.SetPlanStatus(ctx, tx, a.PlanID, "approved"); err != nil {
		return err
	}
	if err := e.Repo.SetIntentStatus(ctx, tx, a.IntentID, "approved", ""); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, a.UserID, audit.ApprovalGranted{
		ApprovalID: a.ID,
		PlanID:     a.PlanID,
		ApprovedBy: by,
	}); err != nil {
		return err
	}
	_, err = e.Tasks.EnqueueTx(ctx, tx, TaskExecutePlan, executePlanPayload{PlanID: a.PlanID}, e.now())
	return err
}

// Reject resolves an entry against execution. Distinguished from cancel so
// the audit trail preserves the user's intent.
func (e Engine) Reject(ctx context.Context, entryID, userID, reason string) (domain.ApprovalEntry, error) {
	return e.resolveNegative(ctx, entryID, userID, "rejected", []string{"pending", "counting_down"}, reason)
}

// CancelCountdown stops a running countdown. Only legal while counting down.
func (e Engine) CancelCountdown(ctx context.Context, entryID, userID string) (domain.ApprovalEntry, error) {
	return e.resolveNegative(ctx, entryID, userID, "cancelled", []string{"counting_down"}, "")
}

func (e Engine) resolveNegative(ctx context.Context, entryID, userID, to string, from []string, reason string) (domain.ApprovalEntry, error) {
	a, err := e.Repo.GetApproval(ctx, entryID)
	if err != nil {
		return domain.ApprovalEntry{}, err
	}
	if a.UserID != userID {
		return domain.ApprovalEntry{}, ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalEntry{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ResolveApproval(ctx, tx, a.ID, from, to, repo.ApprovalResolution{
		ResolvedAt:      e.now().UTC().Format(time.RFC3339),
		RejectionReason: reason,
	})
	if err != nil {
		return domain.ApprovalEntry{}, err
	}
	if !ok {
		return domain.ApprovalEntry{}, ErrInvalidState
	}
	if err := e.Repo.SetPlanStatus(ctx, tx, a.PlanID, "cancelled"); err != nil {
		return domain.ApprovalEntry{}, err
	}
	if err := e.Repo.SetIntentStatus(ctx, tx, a.IntentID, "cancelled", ""); err != nil {
		return domain.ApprovalEntry{}, err
	}
	var payload audit.Payload
	if to == "rejected" {
		payload = audit.ApprovalRejected{ApprovalID: a.ID, PlanID: a.PlanID, Reason: reason}
	} else {
		payload = audit.ApprovalCancelled{ApprovalID: a.ID, PlanID: a.PlanID}
	}
	if err := e.Audit.Append(ctx, tx, a.UserID, payload); err != nil {
		return domain.ApprovalEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalEntry{}, err
	}
	return e.Repo.GetApproval(ctx, entryID)
}

// ProcessAutoApproval is the deferred-task callback fired at autoApproveAt.
// The ordering of the guards is the race-resolution mechanism: a duplicate
// firing, a firing after manual resolution, and clock skew all land on the
// status or timestamp checks and turn into no-ops.
func (e Engine) ProcessAutoApproval(ctx context.Context, entryID string) error {
	a, err := e.Repo.GetApproval(ctx, entryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger().Printf("auto-approval: entry %s not found, skipping", entryID)
			return nil
		}
		return err
	}
	if a.Status != "counting_down" {
		// The user already acted or a duplicate timer resolved it.
		return nil
	}
	now := e.now().UTC()
	if a.AutoApproveAtMs != nil && now.UnixMilli() < *a.AutoApproveAtMs {
		// Fired early; the rescheduled timer will handle it.
		return nil
	}
	expiresAt, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err == nil && now.After(expiresAt) {
		return e.expireEntry(ctx, a, []string{"counting_down"})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.grantApproval(ctx, tx, a, "auto"); err != nil {
		if errors.Is(err, ErrInvalidState) {
			// Lost the race to a concurrent resolver.
			return nil
		}
		return err
	}
	return tx.Commit()
}

func (e Engine) expireEntry(ctx context.Context, a domain.ApprovalEntry, from []string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ResolveApproval(ctx, tx, a.ID, from, "expired", repo.ApprovalResolution{
		ResolvedAt: e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.Repo.SetPlanStatus(ctx, tx, a.PlanID, "cancelled"); err != nil {
		return err
	}
	if err := e.Repo.SetIntentStatus(ctx, tx, a.IntentID, "cancelled", "approval expired"); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, a.UserID, audit.ApprovalExpired{ApprovalID: a.ID, PlanID: a.PlanID}); err != nil {
		return err
	}
	return tx.Commit()
}

// SweepExpired moves stale pending entries to expired and cancels their
// plans. Counting-down entries are excluded: their own timer resolves them.
// Idempotent; re-running on an already-expired entry matches no row.
func (e Engine) SweepExpired(ctx context.Context) (int, error) {
	cutoff := e.now().UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListExpiredPending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range stale {
		if err := e.expireEntry(ctx, a, []string{"pending"}); err != nil {
			e.logger().Printf("sweep: expire approval %s: %v", a.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// SweepVelocity resets daily and monthly spend counters whose windows have
// elapsed. Returns (dailyResets, monthlyResets).
func (e Engine) SweepVelocity(ctx context.Context) (int64, int64, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	daily, err := e.Repo.ResetDailySpending(ctx, now.Add(-24*time.Hour).Format(time.RFC3339), nowStr)
	if err != nil {
		return 0, 0, err
	}
	monthly, err := e.Repo.ResetMonthlySpending(ctx, now.Add(-30*24*time.Hour).Format(time.RFC3339), nowStr)
	if err != nil {
		return daily, 0, err
	}
	return daily, monthly, nil
}
