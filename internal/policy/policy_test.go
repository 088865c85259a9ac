package policy_test

import (
	"strings"
	"testing"
	"time"

	"discard/internal/domain"
	"discard/internal/policy"
)

func limits() domain.PolicyLimits {
	return domain.PolicyLimits{
		PerTransactionCents:  50_000,
		DailyLimitCents:      200_000,
		MonthlyLimitCents:    2_000_000,
		Require2FAAboveCents: 100_000,
	}
}

func TestCheckTransactionCaps(t *testing.T) {
	l := limits()

	if d := policy.CheckTransaction(l, 50_000); !d.Allowed {
		t.Fatalf("exactly at cap should be allowed, got %+v", d)
	}
	d := policy.CheckTransaction(l, 50_001)
	if d.Allowed || !d.RequiresOverride {
		t.Fatalf("one cent over cap: got %+v", d)
	}
	if !strings.Contains(d.Reason, "per-transaction limit") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestCheckTransactionDailyWindow(t *testing.T) {
	l := limits()
	l.DailySpentCents = 190_000

	if d := policy.CheckTransaction(l, 10_000); !d.Allowed {
		t.Fatalf("spend to exactly the daily limit should be allowed, got %+v", d)
	}
	d := policy.CheckTransaction(l, 10_001)
	if d.Allowed || !d.RequiresOverride {
		t.Fatalf("over daily limit: got %+v", d)
	}
	if !strings.Contains(d.Reason, "daily limit") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestCheckTransactionMonthlyWindow(t *testing.T) {
	l := limits()
	l.PerTransactionCents = 0
	l.DailyLimitCents = 0
	l.MonthlySpentCents = 1_990_000

	d := policy.CheckTransaction(l, 10_001)
	if d.Allowed || !strings.Contains(d.Reason, "monthly limit") {
		t.Fatalf("over monthly limit: got %+v", d)
	}
}

func TestCheckTransactionStepUp(t *testing.T) {
	l := limits()
	l.PerTransactionCents = 0

	d := policy.CheckTransaction(l, 150_000)
	if !d.Allowed || !d.Requires2FA {
		t.Fatalf("above 2FA threshold: got %+v", d)
	}

	l.RequireBiometric = true
	d = policy.CheckTransaction(l, 1000)
	if !d.Allowed || !d.RequiresBiometric {
		t.Fatalf("biometric wallet: got %+v", d)
	}
}

func TestCheckTransactionZeroLimitsDisabled(t *testing.T) {
	if d := policy.CheckTransaction(domain.PolicyLimits{}, 10_000_000); !d.Allowed {
		t.Fatalf("zero limits disable checks, got %+v", d)
	}
}

func TestCheckDestinationMerchantLock(t *testing.T) {
	w := domain.WalletConfig{
		MerchantLocking:   true,
		MerchantWhitelist: []string{"merchant-a", "merchant-b"},
	}

	if d := policy.CheckDestination(w, "merchant-a", 0); !d.Allowed {
		t.Fatalf("whitelisted merchant: got %+v", d)
	}
	d := policy.CheckDestination(w, "merchant-c", 0)
	if d.Allowed || !d.RequiresOverride {
		t.Fatalf("unlisted merchant: got %+v", d)
	}
	// A lock only constrains transactions that name a merchant.
	if d := policy.CheckDestination(w, "", 0); !d.Allowed {
		t.Fatalf("no merchant attribute: got %+v", d)
	}
}

func TestCheckDestinationMCCLock(t *testing.T) {
	w := domain.WalletConfig{
		MCCLocking:   true,
		MCCWhitelist: []int{5411, 5812},
	}

	if d := policy.CheckDestination(w, "", 5411); !d.Allowed {
		t.Fatalf("whitelisted mcc: got %+v", d)
	}
	d := policy.CheckDestination(w, "", 7995)
	if d.Allowed || !strings.Contains(d.Reason, "merchant category") {
		t.Fatalf("unlisted mcc: got %+v", d)
	}
	if d := policy.CheckDestination(w, "", 0); !d.Allowed {
		t.Fatalf("no mcc attribute: got %+v", d)
	}
}

func TestResetWindows(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if policy.ShouldResetDaily(base, base.Add(23*time.Hour)) {
		t.Fatal("daily reset before 24h")
	}
	if !policy.ShouldResetDaily(base, base.Add(24*time.Hour)) {
		t.Fatal("no daily reset at 24h")
	}
	if policy.ShouldResetMonthly(base, base.Add(29*24*time.Hour)) {
		t.Fatal("monthly reset before 30 days")
	}
	if !policy.ShouldResetMonthly(base, base.Add(30*24*time.Hour)) {
		t.Fatal("no monthly reset at 30 days")
	}
}
