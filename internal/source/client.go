// Package source is the HTTP client for the order-source (shop) API:
// fetching orders and writing the note, tag, status, and customer-message
// fields back.
package source

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "time"

    "shipsync/internal/metrics"
    "shipsync/internal/model"
)

// APIError is a non-2xx order-source response.
type APIError struct {
    Status int
    Body   string
}

func (e *APIError) Error() string {
    return fmt.Sprintf("source: status %d: %s", e.Status, e.Body)
}

type Client struct {
    BaseURL string
    Token   string
    HTTP    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 30 * time.Second }
    return &Client{BaseURL: baseURL, Token: token, HTTP: &http.Client{Timeout: timeout}}
}

// GetAllOrders fetches a bounded page of orders. Pagination beyond
// Limit is driven by the caller via CreatedAfter.
func (c *Client) GetAllOrders(ctx context.Context, f model.OrderFilters) ([]model.Order, error) {
    q := url.Values{}
    if f.Status != "" { q.Set("status", f.Status) }
    if f.Limit > 0 { q.Set("limit", strconv.Itoa(f.Limit)) }
    if !f.CreatedAfter.IsZero() { q.Set("created_at_min", f.CreatedAfter.UTC().Format(time.RFC3339)) }
    var out struct {
        Orders []model.Order `json:"orders"`
    }
    if err := c.do(ctx, http.MethodGet, "/admin/api/orders.json?"+q.Encode(), nil, &out); err != nil {
        return nil, err
    }
    return out.Orders, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (model.Order, error) {
    var out struct {
        Order model.Order `json:"order"`
    }
    if err := c.do(ctx, http.MethodGet, "/admin/api/orders/"+id+".json", nil, &out); err != nil {
        return model.Order{}, err
    }
    return out.Order, nil
}

// UpdateOrderNote replaces the order's note text.
func (c *Client) UpdateOrderNote(ctx context.Context, id, note string) error {
    body := map[string]any{"order": map[string]any{"id": id, "note": note}}
    return c.do(ctx, http.MethodPut, "/admin/api/orders/"+id+".json", body, nil)
}

// AddOrderTag adds tag to the order's tag set; the source dedupes.
func (c *Client) AddOrderTag(ctx context.Context, id, tag string) error {
    body := map[string]any{"tag": tag}
    return c.do(ctx, http.MethodPost, "/admin/api/orders/"+id+"/tags.json", body, nil)
}

// UpdateOrderStatus overwrites the order's fulfillment status.
func (c *Client) UpdateOrderStatus(ctx context.Context, id, status string) error {
    body := map[string]any{"order": map[string]any{"id": id, "status": status}}
    return c.do(ctx, http.MethodPut, "/admin/api/orders/"+id+"/status.json", body, nil)
}

// SendOrderMessage sends a customer-facing message attached to the order.
func (c *Client) SendOrderMessage(ctx context.Context, id, text string) error {
    body := map[string]any{"message": text}
    return c.do(ctx, http.MethodPost, "/admin/api/orders/"+id+"/messages.json", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
    defer func(start time.Time) {
        metrics.SourceLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
    }(time.Now())
    var body io.Reader
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return err }
        body = bytes.NewReader(b)
    }
    req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
    if err != nil { return err }
    req.Header.Set("X-Access-Token", c.Token)
    if in != nil { req.Header.Set("Content-Type", "application/json") }
    resp, err := c.HTTP.Do(req)
    if err != nil { return err }
    defer func() { _ = resp.Body.Close() }()
    raw, err := io.ReadAll(resp.Body)
    if err != nil { return err }
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        if len(raw) > 256 { raw = raw[:256] }
        return &APIError{Status: resp.StatusCode, Body: string(raw)}
    }
    if out != nil {
        if err := json.Unmarshal(raw, out); err != nil {
            return fmt.Errorf("source: decode response: %w", err)
        }
    }
    return nil
}
