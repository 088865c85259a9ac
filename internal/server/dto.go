package server

import (
	"discard/internal/domain"
	"discard/internal/policy"
)

type CreateIntentRequest struct {
	Kind         string `json:"kind" example:"payment"`
	AmountCents  int64  `json:"amount_cents" example:"4200"`
	Destination  string `json:"destination,omitempty" example:"merchant-784"`
	ApprovalMode string `json:"approval_mode,omitempty" enum:",auto,manual"`
}

type RejectApprovalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PolicyCheckRequest struct {
	AmountCents int64  `json:"amount_cents"`
	MerchantID  string `json:"merchant_id,omitempty"`
	MCC         int    `json:"mcc,omitempty"`
}

type PolicyCheckResponse struct {
	Decision policy.Decision `json:"decision"`
}

type WalletLimitsRequest struct {
	PerTransactionCents  int64 `json:"per_transaction_cents"`
	DailyLimitCents      int64 `json:"daily_limit_cents"`
	MonthlyLimitCents    int64 `json:"monthly_limit_cents"`
	Require2FAAboveCents int64 `json:"require_2fa_above_cents,omitempty"`
	RequireBiometric     bool  `json:"require_biometric,omitempty"`
}

type WalletLocksRequest struct {
	MerchantLocking   bool     `json:"merchant_locking"`
	MerchantWhitelist []string `json:"merchant_whitelist,omitempty"`
	MCCLocking        bool     `json:"mcc_locking"`
	MCCWhitelist      []int    `json:"mcc_whitelist,omitempty"`
}

type SigningRequestResponse struct {
	Request    domain.SigningRequest    `json:"request"`
	Activities []domain.SigningActivity `json:"activities,omitempty"`
}

type AuditVerifyResponse struct {
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func limitsFromRequest(req WalletLimitsRequest) domain.PolicyLimits {
	return domain.PolicyLimits{
		PerTransactionCents:  req.PerTransactionCents,
		DailyLimitCents:      req.DailyLimitCents,
		MonthlyLimitCents:    req.MonthlyLimitCents,
		Require2FAAboveCents: req.Require2FAAboveCents,
		RequireBiometric:     req.RequireBiometric,
	}
}
