/**
 * @description
 * This package provides a client for the reputation-token service. Deal
 * participants earn semi-fungible reputation credentials (one token id per
 * role) when a deal reaches a terminal state; minting is fire-and-forget from
 * the caller's point of view but reported as an error so it can be logged.
 */
package reputationclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the reputation-token service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new reputation service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type mintRequest struct {
	UserID  string `json:"user_id"`
	TokenID int64  `json:"token_id"`
	Amount  int64  `json:"amount"`
}

// Mint credits `amount` units of the reputation token `tokenID` to the user.
func (c *Client) Mint(ctx context.Context, userID string, tokenID int64, amount int64) error {
	if c.baseURL == "" {
		return fmt.Errorf("reputation service base url is empty")
	}

	body, err := json.Marshal(mintRequest{UserID: userID, TokenID: tokenID, Amount: amount})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/reputation/mint", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reputation service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("reputation service returned error status %d", resp.StatusCode)
	}
	return nil
}
