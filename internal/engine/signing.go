package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"discard/internal/audit"
	"discard/internal/domain"
	"discard/internal/policy"
	"discard/internal/repo"
	"discard/internal/settlement"
	"discard/internal/signer"
)

// Settlement confirmation is polled; after maxConfirmAttempts the request is
// failed rather than polled forever.
const (
	confirmPollDelay   = 2 * time.Second
	maxConfirmAttempts = 30
)

func (e Engine) stuckTimeout() time.Duration {
	if e.Config != nil && e.Config.Signer.StuckTimeoutMinutes > 0 {
		return time.Duration(e.Config.Signer.StuckTimeoutMinutes) * time.Minute
	}
	return 10 * time.Minute
}

// VerifyTransactionPolicy runs the policy gate for one outgoing transaction:
// destination locks first, then spend caps. A denial is recorded in the audit
// log before the error is returned.
func (e Engine) VerifyTransactionPolicy(ctx context.Context, userID, intentID string, amountCents int64, merchantID string, mcc int) (policy.Decision, error) {
	w, err := e.Repo.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return policy.Decision{}, ErrNoWalletConfigured
		}
		return policy.Decision{}, err
	}
	d := policy.CheckDestination(w, merchantID, mcc)
	if d.Allowed {
		d = policy.CheckTransaction(w.Limits, amountCents)
	}
	if !d.Allowed {
		if err := e.auditDenial(ctx, userID, intentID, d.Reason); err != nil {
			e.logger().Printf("policy: record denial for intent %s: %v", intentID, err)
		}
		return d, PolicyViolationError{Reason: d.Reason}
	}
	return d, nil
}

func (e Engine) auditDenial(ctx context.Context, userID, intentID, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, userID, audit.PolicyDenied{IntentID: intentID, Reason: reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateSigningRequest opens a signing request for an intent and records it.
// The request starts in pending; DispatchSigningRequest hands it to the
// external signer.
func (e Engine) CreateSigningRequest(ctx context.Context, intentID string) (domain.SigningRequest, error) {
	in, err := e.Repo.GetIntent(ctx, intentID)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	w, err := e.Repo.GetWallet(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.SigningRequest{}, ErrNoWalletConfigured
		}
		return domain.SigningRequest{}, err
	}
	if _, err := e.VerifyTransactionPolicy(ctx, in.UserID, in.ID, in.AmountCents, in.Destination, 0); err != nil {
		return domain.SigningRequest{}, err
	}

	unsigned, err := json.Marshal(map[string]any{
		"kind":         in.Kind,
		"amount_cents": in.AmountCents,
		"destination":  in.Destination,
		"wallet":       w.WalletAddress,
	})
	if err != nil {
		return domain.SigningRequest{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.SigningRequest{
		ID:                  uuid.New().String(),
		RequestID:           uuid.New().String(),
		IntentID:            in.ID,
		UserID:              in.UserID,
		SubOrganizationID:   w.SubOrganizationID,
		WalletAddress:       w.WalletAddress,
		UnsignedTransaction: string(unsigned),
		TransactionMessage:  transactionMessage(in),
		Status:              "pending",
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSigningRequest(ctx, tx, s); err != nil {
		return domain.SigningRequest{}, fmt.Errorf("insert signing request: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, s.UserID, audit.SigningRequested{RequestID: s.ID, IntentID: s.IntentID}); err != nil {
		return domain.SigningRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SigningRequest{}, err
	}
	return s, nil
}

func transactionMessage(in domain.Intent) string {
	msg := fmt.Sprintf("%s of $%d.%02d", in.Kind, in.AmountCents/100, in.AmountCents%100)
	if in.Destination != "" {
		msg += " to " + in.Destination
	}
	return msg
}

// DispatchSigningRequest sends a pending request to the external signer and
// records the activity it opens.
func (e Engine) DispatchSigningRequest(ctx context.Context, requestID string) (domain.SigningRequest, error) {
	s, err := e.Repo.GetSigningRequest(ctx, requestID)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	if s.Status != "pending" {
		return domain.SigningRequest{}, ErrInvalidState
	}
	resp, err := e.Signer.SignTransaction(ctx, signer.SignRequest{
		RequestID:           s.RequestID,
		SubOrganizationID:   s.SubOrganizationID,
		WalletAddress:       s.WalletAddress,
		UnsignedTransaction: s.UnsignedTransaction,
	})
	if err != nil {
		if ferr := e.failSigningRequest(ctx, s, fmt.Sprintf("signer dispatch: %v", err)); ferr != nil {
			e.logger().Printf("signing: fail request %s after dispatch error: %v", s.ID, ferr)
		}
		return domain.SigningRequest{}, fmt.Errorf("dispatch signing request %s: %w", s.ID, err)
	}
	if err := e.RecordActivity(ctx, s.ID, resp); err != nil {
		return domain.SigningRequest{}, err
	}
	return e.Repo.GetSigningRequest(ctx, s.ID)
}

// RecordActivity attaches the signer's activity to the request and advances
// it out of pending. CONSENSUS_NEEDED means a human must approve inside the
// signer, so the request parks in awaiting_approval.
func (e Engine) RecordActivity(ctx context.Context, requestID string, resp signer.SignResponse) error {
	to := "signing"
	if signer.NeedsApproval(resp.Status) {
		to = "awaiting_approval"
	}
	s, err := e.Repo.GetSigningRequest(ctx, requestID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.AdvanceSigningRequest(ctx, tx, requestID, []string{"pending"}, to, repo.SigningPatch{
		SignerActivityID: resp.ActivityID,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertSigningActivity(ctx, tx, domain.SigningActivity{
		RequestID:    requestID,
		ActivityID:   resp.ActivityID,
		ActivityType: resp.ActivityType,
		Status:       resp.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, s.UserID, audit.SigningActivityRecorded{
		RequestID:  requestID,
		ActivityID: resp.ActivityID,
		Status:     resp.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ActivityUpdate is a signer webhook notification about an activity.
type ActivityUpdate struct {
	ActivityID string
	Status     string
	Result     string
	Error      string
}

// HandleActivityCompletion applies a signer webhook to the owning request.
// Unknown activity ids and redelivered notifications are no-ops: the lookup
// misses, or the status compare-and-swap matches zero rows.
func (e Engine) HandleActivityCompletion(ctx context.Context, u ActivityUpdate) error {
	s, err := e.Repo.GetSigningRequestByActivity(ctx, u.ActivityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger().Printf("signing: webhook for unknown activity %s, ignoring", u.ActivityID)
			return nil
		}
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RefreshSigningActivity(ctx, tx, u.ActivityID, u.Status, u.Result, u.Error); err != nil {
		return err
	}

	switch u.Status {
	case signer.StatusCompleted:
		ok, err := e.Repo.AdvanceSigningRequest(ctx, tx, s.ID, []string{"awaiting_approval", "signing"}, "signed", repo.SigningPatch{
			Signature: u.Result,
		})
		if err != nil {
			return err
		}
		if !ok {
			return tx.Commit()
		}
		if err := e.Audit.Append(ctx, tx, s.UserID, audit.SigningCompleted{RequestID: s.ID, ActivityID: u.ActivityID}); err != nil {
			return err
		}
		if _, err := e.Tasks.EnqueueTx(ctx, tx, TaskSubmitSettlement, settlementPayload{RequestID: s.ID}, e.now()); err != nil {
			return err
		}
	case signer.StatusFailed:
		reason := u.Error
		if reason == "" {
			reason = "signer reported failure"
		}
		ok, err := e.Repo.AdvanceSigningRequest(ctx, tx, s.ID, []string{"pending", "awaiting_approval", "signing", "signed", "submitted"}, "failed", repo.SigningPatch{
			Error: reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return tx.Commit()
		}
		if err := e.Repo.SetIntentStatus(ctx, tx, s.IntentID, "failed", reason); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, s.UserID, audit.SigningFailed{RequestID: s.ID, Reason: reason}); err != nil {
			return err
		}
	case signer.StatusRejected:
		ok, err := e.Repo.AdvanceSigningRequest(ctx, tx, s.ID, []string{"pending", "awaiting_approval", "signing"}, "rejected", repo.SigningPatch{
			Error: "User rejected signing request",
		})
		if err != nil {
			return err
		}
		if !ok {
			return tx.Commit()
		}
		if err := e.Repo.SetIntentStatus(ctx, tx, s.IntentID, "cancelled", "User rejected signing request"); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, s.UserID, audit.SigningRejected{RequestID: s.ID}); err != nil {
			return err
		}
	default:
		// Intermediate status; the activity row refresh above is all we keep.
	}
	return tx.Commit()
}

// SubmitSettlement pushes a signed transaction to the settlement network and
// schedules confirmation polling.
func (e Engine) SubmitSettlement(ctx context.Context, requestID string) error {
	s, err := e.Repo.GetSigningRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if s.Status != "signed" {
		e.logger().Printf("settlement: request %s is %s, skipping submit", s.ID, s.Status)
		return nil
	}
	if s.Signature == nil || *s.Signature == "" {
		return e.failSigningRequest(ctx, s, "signed request has no signature")
	}
	sig, err := e.Settlement.Submit(ctx, *s.Signature)
	if err != nil {
		return e.failSigningRequest(ctx, s, fmt.Sprintf("settlement submit: %v", err))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.AdvanceSigningRequest(ctx, tx, s.ID, []string{"signed"}, "submitted", repo.SigningPatch{
		SettlementSignature: sig,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.Audit.Append(ctx, tx, s.UserID, audit.SettlementSubmitted{RequestID: s.ID, Signature: sig}); err != nil {
		return err
	}
	if _, err := e.Tasks.EnqueueTx(ctx, tx, TaskConfirmSettlement, settlementPayload{RequestID: s.ID, Attempt: 1}, e.now().Add(confirmPollDelay)); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmSettlement polls the settlement network for finality. Unconfirmed
// results reschedule themselves until the attempt budget runs out.
func (e Engine) ConfirmSettlement(ctx context.Context, requestID string, attempt int) error {
	s, err := e.Repo.GetSigningRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if s.Status != "submitted" {
		return nil
	}
	if s.SettlementSignature == nil {
		return e.failSigningRequest(ctx, s, "submitted request has no settlement signature")
	}
	conf, err := e.Settlement.Confirm(ctx, *s.SettlementSignature)
	if err != nil {
		// Treat a polling error as still-pending and retry.
		e.logger().Printf("settlement: confirm request %s attempt %d: %v", s.ID, attempt, err)
		conf = settlement.Confirmation{}
	}
	switch {
	case conf.Confirmed:
		return e.confirmRequest(ctx, s)
	case conf.Failed:
		reason := conf.Error
		if reason == "" {
			reason = "settlement failed"
		}
		return e.failSigningRequest(ctx, s, reason)
	case attempt >= maxConfirmAttempts:
		return e.failSigningRequest(ctx, s, "settlement confirmation timed out")
	default:
		_, err := e.Tasks.Enqueue(ctx, TaskConfirmSettlement, settlementPayload{RequestID: s.ID, Attempt: attempt + 1}, e.now().Add(confirmPollDelay))
		return err
	}
}

func (e Engine) confirmRequest(ctx context.Context, s domain.SigningRequest) error {
	now := e.now().UTC()
	var elapsed int64
	if created, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
		elapsed = now.Sub(created).Milliseconds()
	}
	// Read the intent before opening the write transaction: a pool read
	// under an uncommitted write would contend for the SQLite lock.
	in, ierr := e.Repo.GetIntent(ctx, s.IntentID)
	if ierr != nil && !errors.Is(ierr, repo.ErrNotFound) {
		return ierr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.AdvanceSigningRequest(ctx, tx, s.ID, []string{"submitted"}, "confirmed", repo.SigningPatch{
		ConfirmationTimeMs: &elapsed,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.Repo.SetIntentStatus(ctx, tx, s.IntentID, "completed", ""); err != nil {
		return err
	}
	if ierr == nil {
		if err := e.Repo.RecordSpend(ctx, tx, s.UserID, in.AmountCents); err != nil {
			return err
		}
	}
	sig := ""
	if s.SettlementSignature != nil {
		sig = *s.SettlementSignature
	}
	if err := e.Audit.Append(ctx, tx, s.UserID, audit.SettlementConfirmed{RequestID: s.ID, Signature: sig, TimeMs: elapsed}); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleSettlementNotification applies a pushed settlement result. The same
// compare-and-swap as the polling path makes redeliveries no-ops.
func (e Engine) HandleSettlementNotification(ctx context.Context, requestID string, confirmed, failed bool, errMsg string) error {
	s, err := e.Repo.GetSigningRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger().Printf("settlement: webhook for unknown request %s, ignoring", requestID)
			return nil
		}
		return err
	}
	switch {
	case confirmed:
		return e.confirmRequest(ctx, s)
	case failed:
		if errMsg == "" {
			errMsg = "settlement failed"
		}
		return e.failSigningRequest(ctx, s, errMsg)
	default:
		return nil
	}
}

// failSigningRequest is the shared failure path from any non-terminal status.
// Already-terminal requests are left alone.
func (e Engine) failSigningRequest(ctx context.Context, s domain.SigningRequest, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.AdvanceSigningRequest(ctx, tx, s.ID, []string{"pending", "awaiting_approval", "signing", "signed", "submitted"}, "failed", repo.SigningPatch{
		Error: reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.Repo.SetIntentStatus(ctx, tx, s.IntentID, "failed", reason); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, s.UserID, audit.SigningFailed{RequestID: s.ID, Reason: reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// ExpireStuckRequests fails requests that have waited on the external signer
// past the configured timeout. Run periodically as a watchdog.
func (e Engine) ExpireStuckRequests(ctx context.Context) (int, error) {
	cutoff := e.now().UTC().Add(-e.stuckTimeout()).Format(time.RFC3339)
	stuck, err := e.Repo.ListStuckSigningRequests(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, s := range stuck {
		if err := e.failSigningRequest(ctx, s, "signer did not respond in time"); err != nil {
			e.logger().Printf("watchdog: fail request %s: %v", s.ID, err)
			continue
		}
		failed++
	}
	return failed, nil
}

// BridgeResult summarizes one intent execution through the signing bridge.
type BridgeResult struct {
	Success bool   `json:"success"`
	TimeMs  int64  `json:"time_ms"`
	Error   string `json:"error,omitempty"`
}

// ExecuteIntentViaBridge runs the full signing path for an intent: create the
// request, dispatch it to the signer, and report. Completion arrives later
// through webhooks; this only covers the synchronous leg.
func (e Engine) ExecuteIntentViaBridge(ctx context.Context, intentID string) (BridgeResult, error) {
	start := e.now()
	s, err := e.CreateSigningRequest(ctx, intentID)
	if err != nil {
		return bridgeFailure(e.now().Sub(start), err), err
	}
	if _, err := e.DispatchSigningRequest(ctx, s.ID); err != nil {
		return bridgeFailure(e.now().Sub(start), err), err
	}
	return BridgeResult{Success: true, TimeMs: e.now().Sub(start).Milliseconds()}, nil
}

func bridgeFailure(elapsed time.Duration, err error) BridgeResult {
	msg := "BRIDGE_ERROR"
	var pv PolicyViolationError
	if errors.As(err, &pv) {
		msg = pv.Error()
	} else if err != nil {
		msg = fmt.Sprintf("BRIDGE_ERROR: %v", err)
	}
	return BridgeResult{TimeMs: elapsed.Milliseconds(), Error: msg}
}

// ExecutePlan runs an approved plan. Each plan has one backing intent today,
// so execution reduces to pushing that intent through the bridge.
func (e Engine) ExecutePlan(ctx context.Context, planID string) error {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status != "approved" {
		e.logger().Printf("execute: plan %s is %s, skipping", p.ID, p.Status)
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetPlanStatus(ctx, tx, p.ID, "executing"); err != nil {
		return err
	}
	if err := e.Repo.SetIntentStatus(ctx, tx, p.IntentID, "executing", ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	res, err := e.ExecuteIntentViaBridge(ctx, p.IntentID)
	final := "executed"
	if !res.Success {
		final = "failed"
	}
	tx2, terr := e.DB.BeginTx(ctx, nil)
	if terr != nil {
		return terr
	}
	defer tx2.Rollback()
	if serr := e.Repo.SetPlanStatus(ctx, tx2, p.ID, final); serr != nil {
		return serr
	}
	if !res.Success {
		if serr := e.Repo.SetIntentStatus(ctx, tx2, p.IntentID, "failed", res.Error); serr != nil {
			return serr
		}
	}
	if cerr := tx2.Commit(); cerr != nil {
		return cerr
	}
	return err
}
