// Package apexclient is the relay's internal HTTP client for the apex
// API (spec.md §4.M): status, buy, sell, transfer, transfer-sol,
// notify. Each operation class carries its own timeout per spec.md §5
// and failures surface as typed relayerr values rather than being
// retried — retry policy, if any, belongs to the caller.
package apexclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ocx/vessel-relay/internal/relayerr"
)

// Token is one SPL token balance entry returned by Status.
type Token struct {
	Mint     string  `json:"mint"`
	UIAmount float64 `json:"ui_amount"`
	USDValue float64 `json:"usd_value"`
	PriceOK  bool    `json:"price_ok"`
}

// Holdings is the worker's wallet snapshot returned by Status.
type Holdings struct {
	SOLBalance float64 `json:"sol_balance"`
	Tokens     []Token `json:"tokens"`
}

// Client wraps the apex API's HTTP surface. One *http.Client per
// timeout class, grounded on the teacher's internal/api/proxy.go
// per-call-timeout convention.
type Client struct {
	baseURL string

	statusHTTP   *http.Client
	tradeHTTP    *http.Client
	sellHTTP     *http.Client
	transferHTTP *http.Client
	notifyHTTP   *http.Client
}

func New(baseURL string, statusTimeout, tradeTimeout, sellTimeout, transferTimeout, notifyTimeout time.Duration) *Client {
	return &Client{
		baseURL:      baseURL,
		statusHTTP:   &http.Client{Timeout: statusTimeout},
		tradeHTTP:    &http.Client{Timeout: tradeTimeout},
		sellHTTP:     &http.Client{Timeout: sellTimeout},
		transferHTTP: &http.Client{Timeout: transferTimeout},
		notifyHTTP:   &http.Client{Timeout: notifyTimeout},
	}
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return relayerr.Wrap(relayerr.KindInternal, "encoding apex request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return relayerr.Wrap(relayerr.KindInternal, "building apex request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return relayerr.Wrap(relayerr.KindApexUnreach, fmt.Sprintf("apex %s %s unreachable", method, path), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return relayerr.ApexError(resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return relayerr.Wrap(relayerr.KindApexError, "decoding apex response", err)
		}
	}
	return nil
}

// Status returns worker's current wallet holdings.
func (c *Client) Status(ctx context.Context, worker string) (Holdings, error) {
	var h Holdings
	err := c.do(ctx, c.statusHTTP, http.MethodGet, "/api/v1/wallet/"+worker+"/status", nil, &h)
	return h, err
}

// Transactions returns worker's recent wallet transaction history.
func (c *Client) Transactions(ctx context.Context, worker string) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, c.statusHTTP, http.MethodGet, "/api/v1/wallet/"+worker+"/transactions", nil, &out)
	return out, err
}

// Positions returns worker's current open token positions.
func (c *Client) Positions(ctx context.Context, worker string) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, c.statusHTTP, http.MethodGet, "/api/v1/wallet/"+worker+"/positions", nil, &out)
	return out, err
}

type BuyRequest struct {
	Worker     string  `json:"worker"`
	TokenMint  string  `json:"token_mint"`
	AmountSOL  float64 `json:"amount_sol"`
	SlippageBp int     `json:"slippage_bps"`
}

func (c *Client) Buy(ctx context.Context, req BuyRequest) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, c.tradeHTTP, http.MethodPost, "/api/v1/trade/buy", req, &out)
	return out, err
}

type SellRequest struct {
	Worker     string  `json:"worker"`
	TokenMint  string  `json:"token_mint"`
	Percent    float64 `json:"percent"`
	SlippageBp int     `json:"slippage_bps"`
}

// Sell carries its own 30-second timeout class, distinct from
// buy/transfer's 90s class per spec.md §5.
func (c *Client) Sell(ctx context.Context, req SellRequest) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, c.sellHTTP, http.MethodPost, "/api/v1/trade/sell", req, &out)
	return out, err
}

type TransferRequest struct {
	Worker    string  `json:"worker"`
	TokenMint string  `json:"token_mint"`
	Percent   float64 `json:"percent"`
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, c.transferHTTP, http.MethodPost, "/api/v1/trade/transfer", req, &out)
	return out, err
}

type TransferSOLRequest struct {
	FromWorker string  `json:"from_worker"`
	ToWorker   string  `json:"to_worker"`
	AmountSOL  float64 `json:"amount_sol"`
}

func (c *Client) TransferSOL(ctx context.Context, req TransferSOLRequest) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, c.transferHTTP, http.MethodPost, "/api/v1/wallet/transfer-sol", req, &out)
	return out, err
}

type NotifyRequest struct {
	Message string `json:"message"`
	Worker  string `json:"worker,omitempty"`
}

func (c *Client) Notify(ctx context.Context, req NotifyRequest) error {
	return c.do(ctx, c.notifyHTTP, http.MethodPost, "/api/v1/notify", req, nil)
}
