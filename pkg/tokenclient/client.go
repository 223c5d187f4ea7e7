/**
 * @description
 * This package provides a client for the external token service, which
 * custodies the fungible token backing the ledger. The bank-service pulls
 * tokens in on deposit, pushes them out on withdrawal, and asks the token
 * service to mint/burn supply when content actions are priced.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, math/big, net/http, time: Standard Go libraries.
 */
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// ErrTransferFailed is returned when the token service rejects a transfer,
// mint or burn (e.g. missing allowance, frozen account).
var ErrTransferFailed = errors.New("token transfer failed")

// Client is a client for the token service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new token service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type transferRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"` // base-10 token base units
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// TransferIn pulls tokens from the user's wallet into the ledger's custody
// account. The token service enforces the user's prior approval.
func (c *Client) TransferIn(ctx context.Context, userID string, amount *big.Int) error {
	return c.post(ctx, "/v1/transfers/in", transferRequest{UserID: userID, Amount: amount.String()})
}

// TransferOut pushes tokens from the ledger's custody account back to the
// user's wallet.
func (c *Client) TransferOut(ctx context.Context, userID string, amount *big.Int) error {
	return c.post(ctx, "/v1/transfers/out", transferRequest{UserID: userID, Amount: amount.String()})
}

// Mint asks the token service to mint new supply into the ledger's custody
// account.
func (c *Client) Mint(ctx context.Context, amount *big.Int) error {
	return c.post(ctx, "/v1/supply/mint", transferRequest{Amount: amount.String()})
}

// Burn asks the token service to burn supply from the ledger's custody
// account.
func (c *Client) Burn(ctx context.Context, amount *big.Int) error {
	return c.post(ctx, "/v1/supply/burn", transferRequest{Amount: amount.String()})
}

// BalanceOf returns the token balance of the ledger's custody account (or of
// a user's wallet when userID is non-empty).
func (c *Client) BalanceOf(ctx context.Context, userID string) (*big.Int, error) {
	endpoint := fmt.Sprintf("%s/v1/balances/%s", c.baseURL, strings.TrimSpace(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token service returned error status %d", resp.StatusCode)
	}
	var response balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode balance response: %w", err)
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(response.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("unparseable balance %q", response.Balance)
	}
	return balance, nil
}

func (c *Client) post(ctx context.Context, path string, payload transferRequest) error {
	if c.baseURL == "" {
		return fmt.Errorf("token service base url is empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token service request failed: %w", err)
	}
	defer resp.Body.Close()

	// 4xx means the token service refused the movement; treat as a transfer
	// failure the caller can map onto its own taxonomy.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return ErrTransferFailed
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("token service returned error status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}
}
