package domain

// Intent is a user's parsed spending request, ready for planning.
type Intent struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Kind        string `json:"kind" enum:"payment,transfer,card_topup,swap"`
	AmountCents int64  `json:"amount_cents"`
	Destination string `json:"destination,omitempty"`
	Status      string `json:"status" enum:"pending,planned,awaiting_approval,approved,executing,completed,failed,cancelled"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// PlanStep is one priced step of an execution plan.
type PlanStep struct {
	Description  string `json:"description"`
	MaxCostCents int64  `json:"max_cost_cents"`
	Risk         string `json:"risk,omitempty" enum:",low,medium,high"`
}

type Plan struct {
	ID                 string     `json:"id"`
	IntentID           string     `json:"intent_id"`
	UserID             string     `json:"user_id"`
	Steps              []PlanStep `json:"steps"`
	TotalMaxSpendCents int64      `json:"total_max_spend_cents"`
	Status             string     `json:"status" enum:"draft,awaiting_approval,approved,executing,executed,cancelled,failed"`
	CreatedAt          string     `json:"created_at" format:"date-time"`
	UpdatedAt          string     `json:"updated_at" format:"date-time"`
}

// ApprovalPreview is shown verbatim to the user before they approve.
type ApprovalPreview struct {
	Recap         string     `json:"recap"`
	Steps         []PlanStep `json:"steps,omitempty"`
	TotalMaxCents int64      `json:"total_max_cents"`
	Warnings      []string   `json:"warnings,omitempty"`
}

// ApprovalEntry gates whether a plan may proceed to signing.
type ApprovalEntry struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	PlanID              string          `json:"plan_id"`
	IntentID            string          `json:"intent_id"`
	Preview             ApprovalPreview `json:"preview"`
	ApprovalMode        string          `json:"approval_mode" enum:"auto,manual"`
	CountdownStartedAt  *string         `json:"countdown_started_at,omitempty" format:"date-time"`
	CountdownDurationMs *int64          `json:"countdown_duration_ms,omitempty"`
	AutoApproveAtMs     *int64          `json:"auto_approve_at_ms,omitempty"`
	Status              string          `json:"status" enum:"pending,counting_down,approved,rejected,cancelled,expired"`
	CreatedAt           string          `json:"created_at" format:"date-time"`
	ExpiresAt           string          `json:"expires_at" format:"date-time"`
	ResolvedAt          *string         `json:"resolved_at,omitempty" format:"date-time"`
	ApprovedBy          *string         `json:"approved_by,omitempty" enum:"user,auto"`
	RejectionReason     *string         `json:"rejection_reason,omitempty"`
}

// Terminal reports whether the approval can never transition again.
func (a ApprovalEntry) Terminal() bool {
	switch a.Status {
	case "approved", "rejected", "cancelled", "expired":
		return true
	}
	return false
}

// SigningRequest is one attempt to obtain a signature for an unsigned transaction.
type SigningRequest struct {
	ID                  string  `json:"id"`
	RequestID           string  `json:"request_id"`
	IntentID            string  `json:"intent_id"`
	UserID              string  `json:"user_id"`
	SubOrganizationID   string  `json:"sub_organization_id"`
	WalletAddress       string  `json:"wallet_address"`
	UnsignedTransaction string  `json:"unsigned_transaction"`
	TransactionMessage  string  `json:"transaction_message"`
	Status              string  `json:"status" enum:"pending,awaiting_approval,signing,signed,submitted,confirmed,failed,rejected"`
	SignerActivityID    *string `json:"signer_activity_id,omitempty"`
	Signature           *string `json:"signature,omitempty"`
	SettlementSignature *string `json:"settlement_signature,omitempty"`
	Error               *string `json:"error,omitempty"`
	ConfirmationTimeMs  *int64  `json:"confirmation_time_ms,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

func (s SigningRequest) Terminal() bool {
	switch s.Status {
	case "confirmed", "failed", "rejected":
		return true
	}
	return false
}

// SigningActivity is one external-signer status update received for a request.
type SigningActivity struct {
	ID           int64  `json:"id"`
	RequestID    string `json:"request_id"`
	ActivityID   string `json:"activity_id"`
	ActivityType string `json:"activity_type"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// AuditLogEntry is one link of a user's hash chain.
type AuditLogEntry struct {
	ID              int64  `json:"id"`
	UserID          string `json:"user_id"`
	Sequence        int64  `json:"sequence"`
	EventType       string `json:"event_type"`
	EventData       string `json:"event_data"`
	PreviousHash    string `json:"previous_hash"`
	EventHash       string `json:"event_hash"`
	AnchoredToChain bool   `json:"anchored_to_chain"`
	Timestamp       string `json:"timestamp" format:"date-time"`
}

// AuditAnchor records a Merkle root over a batch of audit entries.
type AuditAnchor struct {
	ID         int64  `json:"id"`
	UserID     string `json:"user_id"`
	MerkleRoot string `json:"merkle_root"`
	BatchSize  int    `json:"batch_size"`
	FirstSeq   int64  `json:"first_seq"`
	LastSeq    int64  `json:"last_seq"`
	AnchoredAt string `json:"anchored_at" format:"date-time"`
}

// PolicyLimits are the spend/step-up rules configured on a wallet.
type PolicyLimits struct {
	PerTransactionCents  int64 `json:"per_transaction_cents"`
	DailyLimitCents      int64 `json:"daily_limit_cents"`
	MonthlyLimitCents    int64 `json:"monthly_limit_cents"`
	DailySpentCents      int64 `json:"daily_spent_cents"`
	MonthlySpentCents    int64 `json:"monthly_spent_cents"`
	Require2FAAboveCents int64 `json:"require_2fa_above_cents"`
	RequireBiometric     bool  `json:"require_biometric"`
}

// WalletConfig is a user's signing identity plus their policy limits.
type WalletConfig struct {
	UserID            string       `json:"user_id"`
	SubOrganizationID string       `json:"sub_organization_id"`
	WalletAddress     string       `json:"wallet_address"`
	Limits            PolicyLimits `json:"limits"`
	MerchantLocking   bool         `json:"merchant_locking"`
	MerchantWhitelist []string     `json:"merchant_whitelist,omitempty"`
	MCCLocking        bool         `json:"mcc_locking"`
	MCCWhitelist      []int        `json:"mcc_whitelist,omitempty"`
	DailyResetAt      string       `json:"daily_reset_at" format:"date-time"`
	MonthlyResetAt    string       `json:"monthly_reset_at" format:"date-time"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
}

// ScheduledTask is a durable deferred callback.
type ScheduledTask struct {
	ID          string  `json:"id"`
	Handler     string  `json:"handler"`
	PayloadJSON string  `json:"payload_json"`
	RunAt       string  `json:"run_at" format:"date-time"`
	Status      string  `json:"status" enum:"pending,running,done,failed"`
	Attempts    int     `json:"attempts"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
