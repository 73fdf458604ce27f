// Package oneinch is the REST client for the 1inch aggregation
// protocol's quote API.
package oneinch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Client talks to one chain's deployment of the aggregator API.
type Client struct {
	baseURL    string
	chainID    uint64
	httpClient *http.Client
}

// NewClient creates a quote API client.
//
// baseURL is the API root, e.g. "https://api.1inch.io".
func NewClient(baseURL string, chainID uint64) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		chainID: chainID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// QuoteParams identifies the sell-side swap to quote.
type QuoteParams struct {
	FromTokenAddress common.Address
	ToTokenAddress   common.Address
	Amount           *big.Int
}

// QuoteResponse is the aggregator's answer. Token amounts arrive as
// decimal strings.
type QuoteResponse struct {
	FromTokenAmount string `json:"fromTokenAmount"`
	ToTokenAmount   string `json:"toTokenAmount"`
	EstimatedGas    uint64 `json:"estimatedGas"`
}

// ToAmount parses the quoted output amount.
func (r *QuoteResponse) ToAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.ToTokenAmount, 10)
	if !ok {
		return nil, fmt.Errorf("oneinch: toTokenAmount %q is not a decimal integer", r.ToTokenAmount)
	}
	return amount, nil
}

// APIError is a non-2xx response decoded from the API's error body.
type APIError struct {
	HTTPStatus  int
	Code        int    `json:"statusCode"`
	Reason      string `json:"error"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oneinch: HTTP %d: %s", e.HTTPStatus, e.Description)
	}
	return fmt.Sprintf("oneinch: HTTP %d: %s", e.HTTPStatus, e.Reason)
}

// GetQuote returns the expected output amount for an exact-input swap.
func (c *Client) GetQuote(ctx context.Context, p QuoteParams) (QuoteResponse, error) {
	params := url.Values{}
	params.Set("fromTokenAddress", strings.ToLower(p.FromTokenAddress.Hex()))
	params.Set("toTokenAddress", strings.ToLower(p.ToTokenAddress.Hex()))
	params.Set("amount", p.Amount.String())

	path := fmt.Sprintf("/v4.0/%d/quote?%s", c.chainID, params.Encode())

	body, err := c.doGet(ctx, path)
	if err != nil {
		return QuoteResponse{}, fmt.Errorf("oneinch: get quote: %w", err)
	}

	var quote QuoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return QuoteResponse{}, fmt.Errorf("oneinch: decode quote: %w", err)
	}

	return quote, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the aggregator API.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || (apiErr.Reason == "" && apiErr.Description == "") {
			apiErr.Description = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}

	return body, nil
}
