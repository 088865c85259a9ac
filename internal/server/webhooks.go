package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"discard/internal/config"
	"discard/internal/domain"
	"discard/internal/engine"
)

const (
	signatureHeader = "X-Signature"
	maxWebhookBody  = 1 << 20
)

// registerInboundWebhooks mounts the signer and settlement callback
// endpoints. Authentication is an HMAC-SHA256 signature over the raw body;
// an authenticated payload always gets 200, even when it matches nothing,
// so the sender never retries forever.
func registerInboundWebhooks(r chi.Router, basePath string, e engine.Engine) {
	signerSecret := ""
	settlementSecret := ""
	if e.Config != nil {
		signerSecret = e.Config.Signer.WebhookSecret
		settlementSecret = e.Config.Settlement.WebhookSecret
	}
	r.Post(path.Join(basePath, "webhooks/signer"), func(w http.ResponseWriter, req *http.Request) {
		body, ok := verifiedBody(w, req, signerSecret)
		if !ok {
			return
		}
		var payload struct {
			ActivityID string `json:"activity_id"`
			Status     string `json:"status"`
			Result     string `json:"result,omitempty"`
			Error      string `json:"error,omitempty"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.ActivityID == "" {
			respondWebhookOK(w)
			return
		}
		if err := e.HandleActivityCompletion(req.Context(), engine.ActivityUpdate{
			ActivityID: payload.ActivityID,
			Status:     payload.Status,
			Result:     payload.Result,
			Error:      payload.Error,
		}); err != nil {
			log.Printf("webhook: signer activity %s: %v", payload.ActivityID, err)
		}
		respondWebhookOK(w)
	})

	r.Post(path.Join(basePath, "webhooks/settlement"), func(w http.ResponseWriter, req *http.Request) {
		body, ok := verifiedBody(w, req, settlementSecret)
		if !ok {
			return
		}
		var payload struct {
			RequestID string `json:"request_id"`
			Confirmed bool   `json:"confirmed"`
			Failed    bool   `json:"failed"`
			Error     string `json:"error,omitempty"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.RequestID == "" {
			respondWebhookOK(w)
			return
		}
		if err := e.HandleSettlementNotification(req.Context(), payload.RequestID, payload.Confirmed, payload.Failed, payload.Error); err != nil {
			log.Printf("webhook: settlement request %s: %v", payload.RequestID, err)
		}
		respondWebhookOK(w)
	})
}

func verifiedBody(w http.ResponseWriter, req *http.Request, secret string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
		return nil, false
	}
	if !verifySignature(body, req.Header.Get(signatureHeader), secret) {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook signature mismatch", nil))
		return nil, false
	}
	return body, true
}

func verifySignature(body []byte, header, secret string) bool {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(header) == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(header)))
}

func respondWebhookOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// SignPayload computes the signature a sender puts in X-Signature.
func SignPayload(body []byte, secret string) string {
	return signPayload(body, secret)
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// --- outbound notifications ---

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// webhookNotifier tails the audit log and posts matching entries to the
// configured outbound targets. Each target keeps an in-memory cursor seeded
// at the latest entry, so restarts skip history instead of replaying it.
type webhookNotifier struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookNotifier(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	n := &webhookNotifier{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultNotifyTimeout},
		cursors:  make(map[int]int64),
	}
	go n.run()
}

func (n *webhookNotifier) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll()
		<-ticker.C
	}
}

func (n *webhookNotifier) dispatchAll() {
	for i, hook := range n.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatchWebhook(i, hook)
	}
}

func (n *webhookNotifier) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	entries, err := n.engine.Audit.EntriesAfter(ctx, cursor, defaultNotifyBatch)
	if err != nil {
		log.Printf("webhook: fetch audit entries failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.EventType) {
			n.setCursor(idx, entry.ID)
			continue
		}
		if err := n.postEntry(ctx, hook, entry); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		n.setCursor(idx, entry.ID)
	}
}

func (n *webhookNotifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Audit.LatestEntryID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *webhookNotifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type webhookEntry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	TS        string          `json:"ts"`
	EventHash string          `json:"event_hash"`
	Payload   json.RawMessage `json:"payload"`
}

func (n *webhookNotifier) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.AuditLogEntry) error {
	payload := json.RawMessage([]byte("{}"))
	if entry.EventData != "" && json.Valid([]byte(entry.EventData)) {
		payload = json.RawMessage([]byte(entry.EventData))
	}
	data, err := json.Marshal(webhookEntry{
		ID:        entry.ID,
		UserID:    entry.UserID,
		Sequence:  entry.Sequence,
		Type:      entry.EventType,
		TS:        entry.Timestamp,
		EventHash: entry.EventHash,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Discard-Event", entry.EventType)
	req.Header.Set("X-Discard-Delivery", fmt.Sprintf("%d", entry.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(signatureHeader, signPayload(data, hook.Secret))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
