// Package broker implements the live order gateway over the broker's REST
// API. Authentication is app-key/secret exchanged for a bearer token that is
// cached until shortly before expiry.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// tokenSafety renews the token this long before the server-reported expiry.
const tokenSafety = 5 * time.Minute

// Config holds the broker endpoint and credentials. The secret should come
// through crypto.LoadSecret, not a plaintext config file.
type Config struct {
	Host      string
	AppKey    string
	AppSecret string
	AccountNo string
}

// Client is the REST gateway to the broker.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ domain.OrderGateway = (*Client)(nil)

// NewClient creates a broker client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "broker_gateway")),
	}
}

// accessToken returns a valid bearer token, fetching a new one when the
// cached token is missing or near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSafety)) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	})
	if err != nil {
		return "", fmt.Errorf("broker: marshal token request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/oauth2/token", "", payload)
	if err != nil {
		return "", fmt.Errorf("broker: token request: %w", err)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("broker: decode token response: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("broker: empty access token")
	}

	c.token = resp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.logger.Debug("broker token refreshed", slog.Time("expiry", c.tokenExpiry))
	return c.token, nil
}

// PlaceOrder submits an order. Rejections come back as a failed OrderResult
// with the broker's message; transport errors are returned as errors.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return domain.OrderResult{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"account_no": c.cfg.AccountNo,
		"symbol":     req.Symbol,
		"side":       string(req.Side),
		"quantity":   req.Quantity,
		"price":      req.Price,
		"order_type": string(req.Type),
	})
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("broker: marshal order: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/orders", token, payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("broker: place order %s: %w", req.Symbol, err)
	}

	var resp struct {
		Success     bool    `json:"success"`
		OrderID     string  `json:"order_id"`
		FilledPrice float64 `json:"filled_price"`
		Message     string  `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("broker: decode order response: %w", err)
	}
	return domain.OrderResult{
		Success:     resp.Success,
		OrderID:     resp.OrderID,
		FilledPrice: resp.FilledPrice,
		Message:     resp.Message,
	}, nil
}

// GetCurrentPrice fetches the latest traded price for the symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return 0, err
	}

	path := "/v1/quotes/" + url.PathEscape(symbol)
	body, err := c.do(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return 0, fmt.Errorf("broker: quote %s: %w", symbol, err)
	}

	var resp struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("broker: decode quote: %w", err)
	}
	if resp.Price <= 0 {
		return 0, fmt.Errorf("broker: quote %s: %w", symbol, domain.ErrNotFound)
	}
	return resp.Price, nil
}

// GetOpenHoldings returns the account's current holdings.
func (c *Client) GetOpenHoldings(ctx context.Context, _ string) ([]domain.Holding, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	path := "/v1/accounts/" + url.PathEscape(c.cfg.AccountNo) + "/holdings"
	body, err := c.do(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: holdings: %w", err)
	}

	var resp struct {
		Holdings []struct {
			Symbol   string  `json:"symbol"`
			Quantity int64   `json:"quantity"`
			AvgPrice float64 `json:"avg_price"`
		} `json:"holdings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("broker: decode holdings: %w", err)
	}

	out := make([]domain.Holding, 0, len(resp.Holdings))
	for _, h := range resp.Holdings {
		out = append(out, domain.Holding{
			Symbol:   h.Symbol,
			Quantity: h.Quantity,
			AvgPrice: h.AvgPrice,
		})
	}
	return out, nil
}

// do executes one HTTP request against the broker and returns the body.
// Non-2xx responses are errors carrying the (truncated) body.
func (c *Client) do(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
