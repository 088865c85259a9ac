// Package signer talks to the external hardware-isolated signing service.
// The service signs asynchronously: submitting a transaction yields an
// activity correlation id, and the final status arrives later via webhook.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Activity statuses reported by the signing service.
const (
	StatusPending         = "ACTIVITY_STATUS_PENDING"
	StatusCreated         = "ACTIVITY_STATUS_CREATED"
	StatusConsensusNeeded = "ACTIVITY_STATUS_CONSENSUS_NEEDED"
	StatusCompleted       = "ACTIVITY_STATUS_COMPLETED"
	StatusFailed          = "ACTIVITY_STATUS_FAILED"
	StatusRejected        = "ACTIVITY_STATUS_REJECTED"
)

// NeedsApproval reports whether the status means the signer is waiting for
// the user to approve on their device. CREATED is only the signer
// acknowledging the activity; the request keeps signing.
func NeedsApproval(status string) bool {
	switch status {
	case StatusPending, StatusConsensusNeeded:
		return true
	}
	return false
}

type SignRequest struct {
	RequestID           string `json:"request_id"`
	SubOrganizationID   string `json:"sub_organization_id"`
	WalletAddress       string `json:"wallet_address"`
	UnsignedTransaction string `json:"unsigned_transaction"`
}

type SignResponse struct {
	ActivityID   string `json:"activity_id"`
	ActivityType string `json:"activity_type"`
	Status       string `json:"status"`
}

// Client dispatches signing requests to the external signer.
type Client interface {
	SignTransaction(ctx context.Context, req SignRequest) (SignResponse, error)
}

// HTTPClient is the production client.
type HTTPClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		Endpoint: strings.TrimSuffix(endpoint, "/"),
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) SignTransaction(ctx context.Context, req SignRequest) (SignResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return SignResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/activities", bytes.NewReader(data))
	if err != nil {
		return SignResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.Client.Do(httpReq)
	if err != nil {
		return SignResponse{}, fmt.Errorf("signer: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return SignResponse{}, fmt.Errorf("signer: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out SignResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return SignResponse{}, fmt.Errorf("signer: decode response: %w", err)
	}
	if out.ActivityID == "" {
		return SignResponse{}, fmt.Errorf("signer: response missing activity id")
	}
	return out, nil
}
