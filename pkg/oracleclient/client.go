/**
 * @description
 * This package provides a client for the price-oracle service. The oracle
 * reports the token/native exchange rate scaled by 1e18 and can convert a
 * native amount into token base units. The bank-service treats a stale or
 * non-positive price as a hard failure; there is no retry here.
 *
 * @dependencies
 * - context, encoding/json, fmt, math/big, net/http, time: Standard Go libraries.
 */
package oracleclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidPrice is returned when the oracle reports a non-positive or
// unparseable price.
var ErrInvalidPrice = errors.New("oracle reported invalid price")

// Client is a client for the price-oracle service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new price-oracle client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// priceResponse is the oracle's rate payload. Amounts are base-10 strings to
// survive JSON number precision limits.
type priceResponse struct {
	Price string `json:"price"`
}

type convertResponse struct {
	TokenAmount string `json:"token_amount"`
}

// GetExchangeRate returns the current token-per-native price scaled by 1e18.
func (c *Client) GetExchangeRate(ctx context.Context) (*big.Int, error) {
	var resp priceResponse
	if err := c.get(ctx, "/v1/price", nil, &resp); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(resp.Price), 10)
	if !ok || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return price, nil
}

// ConvertNativeToToken asks the oracle to convert a native amount into token
// base units at the current rate.
func (c *Client) ConvertNativeToToken(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid native amount")
	}
	var resp convertResponse
	query := url.Values{"amount": {amount.String()}}
	if err := c.get(ctx, "/v1/convert", query, &resp); err != nil {
		return nil, err
	}
	tokenAmount, ok := new(big.Int).SetString(strings.TrimSpace(resp.TokenAmount), 10)
	if !ok || tokenAmount.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return tokenAmount, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.APIKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(c.APIKey))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("oracle returned error status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode oracle response: %w", err)
	}
	return nil
}
