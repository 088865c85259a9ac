package policy

import (
	"fmt"
	"time"

	"discard/internal/domain"
)

// Decision is the outcome of evaluating a proposed transaction against a
// wallet's policy. Hard cap violations set RequiresOverride; soft step-up
// requirements still allow the transaction but demand extra authentication.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RequiresOverride  bool   `json:"requires_override,omitempty"`
	Requires2FA       bool   `json:"requires_2fa,omitempty"`
	RequiresBiometric bool   `json:"requires_biometric,omitempty"`
}

// CheckTransaction evaluates amountCents against the wallet's limits and
// rolling counters. Hard caps are checked before step-up requirements so a
// transaction that is both over-limit and over the 2FA threshold is reported
// as a limit violation.
func CheckTransaction(limits domain.PolicyLimits, amountCents int64) Decision {
	if limits.PerTransactionCents > 0 && amountCents > limits.PerTransactionCents {
		return Decision{
			RequiresOverride: true,
			Reason: fmt.Sprintf("amount $%s exceeds per-transaction limit $%s",
				dollars(amountCents), dollars(limits.PerTransactionCents)),
		}
	}
	if limits.DailyLimitCents > 0 && limits.DailySpentCents+amountCents > limits.DailyLimitCents {
		return Decision{
			RequiresOverride: true,
			Reason: fmt.Sprintf("amount $%s would exceed daily limit $%s (already spent $%s)",
				dollars(amountCents), dollars(limits.DailyLimitCents), dollars(limits.DailySpentCents)),
		}
	}
	if limits.MonthlyLimitCents > 0 && limits.MonthlySpentCents+amountCents > limits.MonthlyLimitCents {
		return Decision{
			RequiresOverride: true,
			Reason: fmt.Sprintf("amount $%s would exceed monthly limit $%s (already spent $%s)",
				dollars(amountCents), dollars(limits.MonthlyLimitCents), dollars(limits.MonthlySpentCents)),
		}
	}
	if limits.Require2FAAboveCents > 0 && amountCents > limits.Require2FAAboveCents {
		return Decision{Allowed: true, Requires2FA: true}
	}
	if limits.RequireBiometric {
		return Decision{Allowed: true, RequiresBiometric: true}
	}
	return Decision{Allowed: true}
}

// CheckDestination applies the wallet's merchant and MCC locks. A lock only
// constrains transactions that carry the corresponding attribute.
func CheckDestination(w domain.WalletConfig, merchantID string, mcc int) Decision {
	if w.MerchantLocking && merchantID != "" {
		if !containsString(w.MerchantWhitelist, merchantID) {
			return Decision{
				RequiresOverride: true,
				Reason:           fmt.Sprintf("merchant %s is not on the wallet whitelist", merchantID),
			}
		}
	}
	if w.MCCLocking && mcc != 0 {
		if !containsInt(w.MCCWhitelist, mcc) {
			return Decision{
				RequiresOverride: true,
				Reason:           fmt.Sprintf("merchant category %d is not on the wallet whitelist", mcc),
			}
		}
	}
	return Decision{Allowed: true}
}

// ShouldResetDaily reports whether a day has elapsed since the last counter reset.
func ShouldResetDaily(lastReset, now time.Time) bool {
	return now.Sub(lastReset) >= 24*time.Hour
}

// ShouldResetMonthly reports whether a 30-day window has elapsed since the last reset.
func ShouldResetMonthly(lastReset, now time.Time) bool {
	return now.Sub(lastReset) >= 30*24*time.Hour
}

func dollars(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
