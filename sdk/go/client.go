package discardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Discard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Intent represents the API intent model.
type Intent struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amount_cents"`
	Destination string `json:"destination,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Approval represents an approval entry (partial).
type Approval struct {
	ID                  string `json:"id"`
	PlanID              string `json:"plan_id"`
	IntentID            string `json:"intent_id"`
	ApprovalMode        string `json:"approval_mode"`
	Status              string `json:"status"`
	CountdownDurationMs *int64 `json:"countdown_duration_ms,omitempty"`
	AutoApproveAtMs     *int64 `json:"auto_approve_at_ms,omitempty"`
	ExpiresAt           string `json:"expires_at"`
}

// IntentFlow is the create-intent response: the intent plus its approval.
type IntentFlow struct {
	Intent   Intent   `json:"intent"`
	Approval Approval `json:"approval"`
}

// SigningRequest represents a signing request (partial).
type SigningRequest struct {
	ID                  string  `json:"id"`
	IntentID            string  `json:"intent_id"`
	Status              string  `json:"status"`
	SignerActivityID    *string `json:"signer_activity_id,omitempty"`
	SettlementSignature *string `json:"settlement_signature,omitempty"`
	Error               *string `json:"error,omitempty"`
}

// AuditEntry represents one hash-chained audit log entry.
type AuditEntry struct {
	ID           int64  `json:"id"`
	Sequence     int64  `json:"sequence"`
	EventType    string `json:"event_type"`
	EventData    string `json:"event_data"`
	PreviousHash string `json:"previous_hash"`
	EventHash    string `json:"event_hash"`
	Timestamp    string `json:"timestamp"`
}

// AuditVerifyResult reports a chain verification.
type AuditVerifyResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// PolicyDecision reports a policy gate evaluation.
type PolicyDecision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RequiresOverride  bool   `json:"requires_override,omitempty"`
	Requires2FA       bool   `json:"requires_2fa,omitempty"`
	RequiresBiometric bool   `json:"requires_biometric,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIntent submits a spending intent and returns its approval flow.
func (c *Client) CreateIntent(ctx context.Context, kind string, amountCents int64, destination, approvalMode string) (IntentFlow, error) {
	body := map[string]any{
		"kind":         kind,
		"amount_cents": amountCents,
	}
	if destination != "" {
		body["destination"] = destination
	}
	if approvalMode != "" {
		body["approval_mode"] = approvalMode
	}
	var resp IntentFlow
	err := c.do(ctx, http.MethodPost, "v0/intents", body, &resp)
	return resp, err
}

// GetIntent fetches an intent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodGet, "v0/intents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve resolves an approval entry in the caller's favor.
func (c *Client) Approve(ctx context.Context, approvalID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/approvals/%s/approve", url.PathEscape(approvalID)), nil, &resp)
	return resp, err
}

// Reject resolves an approval entry against execution.
func (c *Client) Reject(ctx context.Context, approvalID, reason string) (Approval, error) {
	var resp Approval
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/approvals/%s/reject", url.PathEscape(approvalID)), body, &resp)
	return resp, err
}

// CancelCountdown stops a running auto-approval countdown.
func (c *Client) CancelCountdown(ctx context.Context, approvalID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/approvals/%s/cancel", url.PathEscape(approvalID)), nil, &resp)
	return resp, err
}

// ListApprovals returns the caller's approval entries.
func (c *Client) ListApprovals(ctx context.Context, status string, limit int) ([]Approval, error) {
	endpoint := "v0/approvals"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSigningRequest fetches a signing request by id.
func (c *Client) GetSigningRequest(ctx context.Context, id string) (SigningRequest, error) {
	var resp struct {
		Request SigningRequest `json:"request"`
	}
	err := c.do(ctx, http.MethodGet, "v0/signing-requests/"+url.PathEscape(id), nil, &resp)
	return resp.Request, err
}

// CheckPolicy dry-runs the policy gate.
func (c *Client) CheckPolicy(ctx context.Context, amountCents int64, merchantID string, mcc int) (PolicyDecision, error) {
	body := map[string]any{"amount_cents": amountCents}
	if merchantID != "" {
		body["merchant_id"] = merchantID
	}
	if mcc != 0 {
		body["mcc"] = mcc
	}
	var resp struct {
		Decision PolicyDecision `json:"decision"`
	}
	err := c.do(ctx, http.MethodPost, "v0/policy/check", body, &resp)
	return resp.Decision, err
}

// AuditLog returns recent audit entries.
func (c *Client) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	endpoint := "v0/audit"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyAudit checks the caller's hash chain.
func (c *Client) VerifyAudit(ctx context.Context) (AuditVerifyResult, error) {
	var resp AuditVerifyResult
	err := c.do(ctx, http.MethodGet, "v0/audit/verify", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
