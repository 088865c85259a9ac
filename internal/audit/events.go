package audit

// Payload is one audit event kind. Each orchestration transition has its own
// type so event data stays structured while the chain logic remains generic.
type Payload interface {
	EventType() string
}

type ApprovalCreated struct {
	ApprovalID    string `json:"approval_id"`
	PlanID        string `json:"plan_id"`
	IntentID      string `json:"intent_id"`
	Mode          string `json:"mode"`
	TotalMaxCents int64  `json:"total_max_cents"`
	CountdownMs   int64  `json:"countdown_ms,omitempty"`
}

func (ApprovalCreated) EventType() string { return "approval_created" }

type ApprovalGranted struct {
	ApprovalID string `json:"approval_id"`
	PlanID     string `json:"plan_id"`
	ApprovedBy string `json:"approved_by"`
}

func (ApprovalGranted) EventType() string { return "approval_granted" }

type ApprovalRejected struct {
	ApprovalID string `json:"approval_id"`
	PlanID     string `json:"plan_id"`
	Reason     string `json:"reason,omitempty"`
}

func (ApprovalRejected) EventType() string { return "approval_rejected" }

type ApprovalCancelled struct {
	ApprovalID string `json:"approval_id"`
	PlanID     string `json:"plan_id"`
}

func (ApprovalCancelled) EventType() string { return "approval_cancelled" }

type ApprovalExpired struct {
	ApprovalID string `json:"approval_id"`
	PlanID     string `json:"plan_id"`
}

func (ApprovalExpired) EventType() string { return "approval_expired" }

type PolicyDenied struct {
	IntentID string `json:"intent_id"`
	Reason   string `json:"reason"`
}

func (PolicyDenied) EventType() string { return "policy_denied" }

type SigningRequested struct {
	RequestID string `json:"request_id"`
	IntentID  string `json:"intent_id"`
}

func (SigningRequested) EventType() string { return "signing_requested" }

type SigningActivityRecorded struct {
	RequestID  string `json:"request_id"`
	ActivityID string `json:"activity_id"`
	Status     string `json:"status"`
}

func (SigningActivityRecorded) EventType() string { return "signing_activity_recorded" }

type SigningCompleted struct {
	RequestID  string `json:"request_id"`
	ActivityID string `json:"activity_id"`
}

func (SigningCompleted) EventType() string { return "signing_completed" }

type SigningFailed struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

func (SigningFailed) EventType() string { return "signing_failed" }

type SigningRejected struct {
	RequestID string `json:"request_id"`
}

func (SigningRejected) EventType() string { return "signing_rejected" }

type SettlementSubmitted struct {
	RequestID string `json:"request_id"`
	Signature string `json:"signature"`
}

func (SettlementSubmitted) EventType() string { return "settlement_submitted" }

type SettlementConfirmed struct {
	RequestID string `json:"request_id"`
	Signature string `json:"signature"`
	TimeMs    int64  `json:"time_ms"`
}

func (SettlementConfirmed) EventType() string { return "settlement_confirmed" }
