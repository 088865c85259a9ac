package engine

import (
	"context"
	"errors"
	"time"

	"discard/internal/domain"
	"discard/internal/repo"
)

// EnsureWallet returns the user's wallet, creating one with the configured
// default limits when none exists yet.
func (e Engine) EnsureWallet(ctx context.Context, userID, subOrgID, walletAddress string) (domain.WalletConfig, error) {
	w, err := e.Repo.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.WalletConfig{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	w = domain.WalletConfig{
		UserID:            userID,
		SubOrganizationID: subOrgID,
		WalletAddress:     walletAddress,
		Limits:            e.defaultLimits(),
		DailyResetAt:      now,
		MonthlyResetAt:    now,
		CreatedAt:         now,
	}
	if err := e.Repo.UpsertWallet(ctx, w); err != nil {
		return domain.WalletConfig{}, err
	}
	return w, nil
}

func (e Engine) defaultLimits() domain.PolicyLimits {
	l := domain.PolicyLimits{
		PerTransactionCents:  50_000,
		DailyLimitCents:      200_000,
		MonthlyLimitCents:    2_000_000,
		Require2FAAboveCents: 100_000,
	}
	if e.Config == nil {
		return l
	}
	p := e.Config.Policy
	if p.DefaultPerTransactionCents > 0 {
		l.PerTransactionCents = p.DefaultPerTransactionCents
	}
	if p.DefaultDailyLimitCents > 0 {
		l.DailyLimitCents = p.DefaultDailyLimitCents
	}
	if p.DefaultMonthlyLimitCents > 0 {
		l.MonthlyLimitCents = p.DefaultMonthlyLimitCents
	}
	if p.DefaultRequire2FAAboveCents > 0 {
		l.Require2FAAboveCents = p.DefaultRequire2FAAboveCents
	}
	return l
}

// SetWalletLimits replaces the spend limits, preserving accumulated spend.
func (e Engine) SetWalletLimits(ctx context.Context, userID string, limits domain.PolicyLimits) (domain.WalletConfig, error) {
	w, err := e.Repo.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WalletConfig{}, ErrNoWalletConfigured
		}
		return domain.WalletConfig{}, err
	}
	limits.DailySpentCents = w.Limits.DailySpentCents
	limits.MonthlySpentCents = w.Limits.MonthlySpentCents
	w.Limits = limits
	if err := e.Repo.UpsertWallet(ctx, w); err != nil {
		return domain.WalletConfig{}, err
	}
	return w, nil
}

// SetWalletLocks configures the merchant and category whitelists.
func (e Engine) SetWalletLocks(ctx context.Context, userID string, merchantLocking bool, merchants []string, mccLocking bool, mccs []int) (domain.WalletConfig, error) {
	w, err := e.Repo.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WalletConfig{}, ErrNoWalletConfigured
		}
		return domain.WalletConfig{}, err
	}
	w.MerchantLocking = merchantLocking
	w.MerchantWhitelist = merchants
	w.MCCLocking = mccLocking
	w.MCCWhitelist = mccs
	if err := e.Repo.UpsertWallet(ctx, w); err != nil {
		return domain.WalletConfig{}, err
	}
	return w, nil
}
