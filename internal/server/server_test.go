package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"discard/internal/config"
	"discard/internal/db"
	"discard/internal/domain"
	"discard/internal/engine"
	"discard/internal/migrate"
	"discard/internal/scheduler"
	"discard/internal/settlement"
	"discard/internal/signer"
)

const (
	testJWTSecret    = "test-jwt-secret"
	testSignerSecret = "test-signer-secret"
)

type stubSigner struct{}

func (stubSigner) SignTransaction(ctx context.Context, req signer.SignRequest) (signer.SignResponse, error) {
	return signer.SignResponse{
		ActivityID:   "act-" + req.RequestID,
		ActivityType: "SIGN_TRANSACTION",
		Status:       signer.StatusCreated,
	}, nil
}

type stubSettlement struct{}

func (stubSettlement) Submit(ctx context.Context, signedTransaction string) (string, error) {
	return "settle-sig", nil
}

func (stubSettlement) Confirm(ctx context.Context, signature string) (settlement.Confirmation, error) {
	return settlement.Confirmation{Confirmed: true}, nil
}

type serverEnv struct {
	BaseURL string
	Engine  engine.Engine
	Tasks   *scheduler.Scheduler
	Client  *http.Client
	Ctx     context.Context
}

func newTestServer(t *testing.T) *serverEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Signer.WebhookSecret = testSignerSecret
	tasks := scheduler.New(conn, time.Second)
	eng := engine.New(conn, cfg, tasks, stubSigner{}, stubSettlement{})
	eng.RegisterHandlers(tasks)

	handler, err := New(Config{
		Engine: eng,
		Auth: AuthConfig{
			JWTSecret:             testJWTSecret,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	env := &serverEnv{
		BaseURL: fmt.Sprintf("http://%s/v0", ln.Addr()),
		Engine:  eng,
		Tasks:   tasks,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Ctx:     context.Background(),
	}
	if _, err := eng.EnsureWallet(env.Ctx, "user-1", "sub-org-1", "wallet-addr-1"); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return env
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return res, data
}

func (e *serverEnv) runDue(t *testing.T) {
	t.Helper()
	for {
		n, err := e.Tasks.RunDue(e.Ctx)
		if err != nil {
			t.Fatalf("run due: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func TestAuthRequired(t *testing.T) {
	env := newTestServer(t)
	res, body := doJSON(t, env.Client, http.MethodGet, env.BaseURL+"/intents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", res.StatusCode, body)
	}

	res, _ = doJSON(t, env.Client, http.MethodGet, env.BaseURL+"/intents", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", res.StatusCode)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestServer(t)
	res, _ := doJSON(t, env.Client, http.MethodGet, env.BaseURL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	env := newTestServer(t)
	headers := map[string]string{"Authorization": "Bearer " + mintToken(t, "user-1")}
	res, body := doJSON(t, env.Client, http.MethodGet, env.BaseURL+"/intents", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", res.StatusCode, body)
	}
}

func TestManualApprovalFlowOverHTTP(t *testing.T) {
	env := newTestServer(t)

	res, body := doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/intents", map[string]any{
		"kind":          "payment",
		"amount_cents":  2500,
		"destination":   "merchant-1",
		"approval_mode": "manual",
	}, asUser("user-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create intent status = %d: %s", res.StatusCode, body)
	}
	var flow engine.IntentFlow
	if err := json.Unmarshal(body, &flow); err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	if flow.Approval.Status != "pending" {
		t.Fatalf("approval status = %q, want pending", flow.Approval.Status)
	}

	res, body = doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/approvals/"+flow.Approval.ID+"/approve", nil, asUser("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d: %s", res.StatusCode, body)
	}
	env.runDue(t)

	s, err := env.Engine.Repo.GetSigningRequestByIntent(env.Ctx, flow.Intent.ID)
	if err != nil {
		t.Fatalf("get signing request: %v", err)
	}
	if s.Status != "signing" {
		t.Fatalf("request status = %q, want signing", s.Status)
	}

	// The signer reports completion through the webhook.
	payload, _ := json.Marshal(map[string]string{
		"activity_id": *s.SignerActivityID,
		"status":      signer.StatusCompleted,
		"result":      "signed-tx-blob",
	})
	res, body = doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/webhooks/signer", json.RawMessage(payload), map[string]string{
		signatureHeader: signPayload(payload, testSignerSecret),
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", res.StatusCode, body)
	}
	env.runDue(t)

	s, err = env.Engine.Repo.GetSigningRequest(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get signing request: %v", err)
	}
	if s.Status != "submitted" && s.Status != "confirmed" {
		t.Fatalf("request status = %q, want submitted or confirmed", s.Status)
	}
}

func TestWebhookSignature(t *testing.T) {
	env := newTestServer(t)
	payload := []byte(`{"activity_id":"act-x","status":"ACTIVITY_STATUS_COMPLETED"}`)

	res, _ := doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/webhooks/signer", json.RawMessage(payload), map[string]string{
		signatureHeader: "deadbeef",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", res.StatusCode)
	}

	res, _ = doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/webhooks/signer", json.RawMessage(payload), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing signature status = %d, want 401", res.StatusCode)
	}

	// An authenticated payload that matches nothing is acknowledged.
	res, body := doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/webhooks/signer", json.RawMessage(payload), map[string]string{
		signatureHeader: signPayload(payload, testSignerSecret),
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unknown activity status = %d: %s", res.StatusCode, body)
	}
	var ack struct {
		Received bool `json:"received"`
	}
	if err := json.Unmarshal(body, &ack); err != nil || !ack.Received {
		t.Fatalf("ack body = %s", body)
	}
}

func TestIntentOwnershipHidden(t *testing.T) {
	env := newTestServer(t)
	flow, err := env.Engine.SubmitIntent(env.Ctx, engine.IntentOptions{
		UserID:       "user-1",
		Kind:         "payment",
		AmountCents:  1000,
		ApprovalMode: "manual",
	})
	if err != nil {
		t.Fatalf("submit intent: %v", err)
	}

	res, _ := doJSON(t, env.Client, http.MethodGet, env.BaseURL+"/intents/"+flow.Intent.ID, nil, asUser("user-2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other user's intent status = %d, want 404", res.StatusCode)
	}
	res, _ = doJSON(t, env.Client, http.MethodGet, env.BaseURL+"/intents/"+flow.Intent.ID, nil, asUser("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner's intent status = %d, want 200", res.StatusCode)
	}
}

func TestPolicyCheckEndpoint(t *testing.T) {
	env := newTestServer(t)

	res, body := doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/policy/check", map[string]any{
		"amount_cents": 1000,
	}, asUser("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var out PolicyCheckResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Decision.Allowed {
		t.Fatalf("small amount denied: %+v", out.Decision)
	}

	// Over the default per-transaction cap: still 200, decision says no.
	res, body = doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/policy/check", map[string]any{
		"amount_cents": 60_000,
	}, asUser("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Decision.Allowed || !out.Decision.RequiresOverride {
		t.Fatalf("over-cap decision: %+v", out.Decision)
	}
}

func TestWalletLimitsEndpoint(t *testing.T) {
	env := newTestServer(t)

	res, body := doJSON(t, env.Client, http.MethodPut, env.BaseURL+"/wallet/limits", map[string]any{
		"per_transaction_cents": 10_000,
		"daily_limit_cents":     50_000,
		"monthly_limit_cents":   500_000,
	}, asUser("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var w domain.WalletConfig
	if err := json.Unmarshal(body, &w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Limits.PerTransactionCents != 10_000 {
		t.Fatalf("limits = %+v", w.Limits)
	}

	res, _ = doJSON(t, env.Client, http.MethodPut, env.BaseURL+"/wallet/limits", map[string]any{
		"per_transaction_cents": -1,
		"daily_limit_cents":     50_000,
		"monthly_limit_cents":   500_000,
	}, asUser("user-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d, want 400", res.StatusCode)
	}
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestServer(t)
	if _, err := env.Engine.SubmitIntent(env.Ctx, engine.IntentOptions{
		UserID:       "user-1",
		Kind:         "payment",
		AmountCents:  1000,
		ApprovalMode: "manual",
	}); err != nil {
		t.Fatalf("submit intent: %v", err)
	}

	res, body := doJSON(t, env.Client, http.MethodGet, env.BaseURL+"/audit/verify", nil, asUser("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d: %s", res.StatusCode, body)
	}
	var verify AuditVerifyResponse
	if err := json.Unmarshal(body, &verify); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verify.Valid {
		t.Fatalf("fresh chain invalid: %+v", verify)
	}

	res, body = doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/audit/anchor", nil, asUser("user-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("anchor status = %d: %s", res.StatusCode, body)
	}
	res, _ = doJSON(t, env.Client, http.MethodPost, env.BaseURL+"/audit/anchor", nil, asUser("user-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second anchor status = %d, want 409", res.StatusCode)
	}
}
