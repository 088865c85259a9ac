package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"discard/internal/domain"
)

// IntentOptions are parameters for submitting a spending intent.
type IntentOptions struct {
	UserID       string
	Kind         string
	AmountCents  int64
	Destination  string
	ApprovalMode string // auto or manual; defaults to auto
}

// IntentFlow is everything SubmitIntent created: the intent, the plan built
// from it, and the approval entry gating execution.
type IntentFlow struct {
	Intent   domain.Intent        `json:"intent"`
	Plan     domain.Plan          `json:"plan"`
	Approval domain.ApprovalEntry `json:"approval"`
}

// SubmitIntent runs the front half of the pipeline: record the intent, plan
// it, and open the approval gate. Execution happens after the approval
// resolves.
func (e Engine) SubmitIntent(ctx context.Context, opts IntentOptions) (IntentFlow, error) {
	if opts.UserID == "" {
		return IntentFlow{}, fmt.Errorf("intent requires a user id")
	}
	if opts.AmountCents <= 0 {
		return IntentFlow{}, fmt.Errorf("intent amount must be positive, got %d", opts.AmountCents)
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = "auto"
	}
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Intent{
		ID:          uuid.New().String(),
		UserID:      opts.UserID,
		Kind:        opts.Kind,
		AmountCents: opts.AmountCents,
		Destination: opts.Destination,
		Status:      "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertIntent(ctx, in); err != nil {
		return IntentFlow{}, fmt.Errorf("insert intent: %w", err)
	}

	p := domain.Plan{
		ID:       uuid.New().String(),
		IntentID: in.ID,
		UserID:   in.UserID,
		Steps: []domain.PlanStep{{
			Description:  transactionMessage(in),
			MaxCostCents: in.AmountCents,
			Risk:         riskFor(in.AmountCents),
		}},
		TotalMaxSpendCents: in.AmountCents,
		Status:             "draft",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertPlan(ctx, p); err != nil {
		return IntentFlow{}, fmt.Errorf("insert plan: %w", err)
	}

	a, err := e.CreateApproval(ctx, ApprovalCreateOptions{
		UserID:   in.UserID,
		PlanID:   p.ID,
		IntentID: in.ID,
		Mode:     opts.ApprovalMode,
		Preview: domain.ApprovalPreview{
			Recap:         transactionMessage(in),
			Steps:         p.Steps,
			TotalMaxCents: p.TotalMaxSpendCents,
			Warnings:      e.previewWarnings(ctx, in),
		},
	})
	if err != nil {
		return IntentFlow{}, err
	}
	p.Status = "awaiting_approval"
	in.Status = "awaiting_approval"
	return IntentFlow{Intent: in, Plan: p, Approval: a}, nil
}

func riskFor(amountCents int64) string {
	switch {
	case amountCents >= 100_000:
		return "high"
	case amountCents >= 10_000:
		return "medium"
	default:
		return "low"
	}
}

// previewWarnings surfaces policy friction the user will hit after approving,
// so they see it before the countdown starts.
func (e Engine) previewWarnings(ctx context.Context, in domain.Intent) []string {
	w, err := e.Repo.GetWallet(ctx, in.UserID)
	if err != nil {
		return nil
	}
	var warnings []string
	l := w.Limits
	if l.Require2FAAboveCents > 0 && in.AmountCents > l.Require2FAAboveCents {
		warnings = append(warnings, "amount exceeds the two-factor threshold")
	}
	if l.DailyLimitCents > 0 && l.DailySpentCents+in.AmountCents > l.DailyLimitCents {
		warnings = append(warnings, "amount would exceed the daily limit")
	}
	if l.MonthlyLimitCents > 0 && l.MonthlySpentCents+in.AmountCents > l.MonthlyLimitCents {
		warnings = append(warnings, "amount would exceed the monthly limit")
	}
	return warnings
}
