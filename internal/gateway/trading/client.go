package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gtconfig "gridtrade/internal/config"
	"gridtrade/internal/pkg/circuit"
)

// Client wraps the trade-execution gateway REST API. It is the only
// collaborator allowed to block inside a dispatch, so every call is bounded
// by the configured timeout and guarded by a circuit breaker.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiToken   string
	breaker    *circuit.CircuitBreaker
}

// NewClient constructs a trading gateway client from configuration.
func NewClient(cfg gtconfig.GatewayConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("gateway.api_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 gateway.api_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		apiToken:   strings.TrimSpace(cfg.APIToken),
		breaker:    circuit.NewCircuitBreaker("trading-gateway", 5, 30*time.Second),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// PlaceOrderPayload mirrors the gateway's /orders schema.
type PlaceOrderPayload struct {
	Province   string   `json:"province"`
	MarketType string   `json:"market_type"`
	Direction  string   `json:"direction"`
	Quantity   float64  `json:"quantity"`
	PriceType  string   `json:"price_type"`
	Price      *float64 `json:"price,omitempty"`
}

// PlaceOrderResponse carries the created order id and its immediate status.
type PlaceOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PlaceOrder submits an order to the gateway.
func (c *Client) PlaceOrder(ctx context.Context, payload PlaceOrderPayload) (*PlaceOrderResponse, error) {
	var resp PlaceOrderResponse
	if err := c.guarded(ctx, http.MethodPost, "/orders", payload, &resp); err != nil {
		return nil, err
	}
	if resp.OrderID == "" {
		return nil, fmt.Errorf("交易网关未返回 order_id")
	}
	return &resp, nil
}

// CancelOrder asks the gateway to cancel an order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, fmt.Errorf("order_id 不能为空")
	}
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.guarded(ctx, http.MethodDelete, "/orders/"+orderID, nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// AdjustPosition forwards a position adjustment; params in, result out.
func (c *Client) AdjustPosition(ctx context.Context, params map[string]any) (map[string]any, error) {
	var resp map[string]any
	if err := c.guarded(ctx, http.MethodPost, "/positions/adjust", params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunStrategy triggers a named execution strategy on the gateway.
func (c *Client) RunStrategy(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("strategy 名称不能为空")
	}
	var resp map[string]any
	if err := c.guarded(ctx, http.MethodPost, "/strategies/"+name+"/run", params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) guarded(ctx context.Context, method, path string, payload, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("交易网关熔断中，拒绝调用 %s", path)
	}
	err := c.doRequest(ctx, method, path, payload, out)
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload, out any) error {
	endpoint, err := c.baseURL.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("解析接口路径失败 (%s): %w", path, err)
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("交易网关请求失败: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("交易网关返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("解析交易网关响应失败: %w", err)
	}
	return nil
}
