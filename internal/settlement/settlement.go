// Package settlement submits signed transactions to the settlement network
// and checks their confirmation status.
package settlement

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

// Confirmation is the network's view of a submitted transaction.
type Confirmation struct {
	Confirmed bool   `json:"confirmed"`
	Failed    bool   `json:"failed"`
	Error     string `json:"error,omitempty"`
}

type Client interface {
	// Submit sends a signed transaction and returns the network signature.
	Submit(ctx context.Context, signedTransaction string) (string, error)
	// Confirm checks whether a submitted transaction has landed.
	Confirm(ctx context.Context, signature string) (Confirmation, error)
}

type HTTPClient struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		Endpoint: strings.TrimSuffix(endpoint, "/"),
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, signedTransaction string) (string, error) {
	body, err := json.Marshal(map[string]string{"signed_transaction": signedTransaction})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/transactions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("settlement: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("settlement: status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("settlement: decode response: %w", err)
	}
	if out.Signature == "" {
		return "", fmt.Errorf("settlement: response missing signature")
	}
	return out.Signature, nil
}

func (c *HTTPClient) Confirm(ctx context.Context, signature string) (Confirmation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/transactions/"+signature, nil)
	if err != nil {
		return Confirmation{}, err
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return Confirmation{}, fmt.Errorf("settlement: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Confirmation{}, fmt.Errorf("settlement: status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out Confirmation
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Confirmation{}, fmt.Errorf("settlement: decode response: %w", err)
	}
	return out, nil
}
