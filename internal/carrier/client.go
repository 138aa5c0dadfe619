// Package carrier is the HTTP client for the shipping-carrier API. It
// translates orders into consignment requests and reads status back; it
// never writes to the order source.
package carrier

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "golang.org/x/time/rate"

    "shipsync/internal/metrics"
    "shipsync/internal/model"
)

// ErrMissingConsignmentID marks a 2xx creation response that carries no
// identifier. Treated as a hard failure, never a partial success.
var ErrMissingConsignmentID = errors.New("carrier returned success without a consignment id")

// APIError is a non-2xx carrier response.
type APIError struct {
    Status int
    Body   string
}

func (e *APIError) Error() string {
    return fmt.Sprintf("carrier: status %d: %s", e.Status, e.Body)
}

type Client struct {
    BaseURL string
    APIKey  string
    HTTP    *http.Client
    limiter *rate.Limiter
}

// New builds a Client with a fixed request timeout and an outbound rate
// limit (the carrier throttles aggressive pollers).
func New(baseURL, apiKey string, timeout time.Duration, rps float64) *Client {
    if timeout <= 0 { timeout = 30 * time.Second }
    if rps <= 0 { rps = 5 }
    return &Client{
        BaseURL: baseURL,
        APIKey:  apiKey,
        HTTP:    &http.Client{Timeout: timeout},
        limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
    }
}

// consignmentRequest is the carrier's creation schema.
type consignmentRequest struct {
    ReferenceNumber string            `json:"reference_number"`
    CustomerName    string            `json:"customer_name"`
    CustomerPhone   string            `json:"customer_phone"`
    CustomerEmail   string            `json:"customer_email,omitempty"`
    Destination     destinationAddr   `json:"destination"`
    WeightKg        float64           `json:"weight_kg"`
    DeclaredValue   float64           `json:"declared_value"`
    Currency        string            `json:"currency,omitempty"`
    CODAmount       float64           `json:"cod_amount,omitempty"`
    Items           []consignmentItem `json:"items"`
}

type destinationAddr struct {
    AddressLine1 string `json:"address_line_1"`
    AddressLine2 string `json:"address_line_2,omitempty"`
    City         string `json:"city"`
    State        string `json:"state,omitempty"`
    Pincode      string `json:"pincode"`
    Country      string `json:"country,omitempty"`
    Phone        string `json:"phone"`
}

type consignmentItem struct {
    SKU       string  `json:"sku,omitempty"`
    Name      string  `json:"name"`
    Quantity  int     `json:"quantity"`
    UnitPrice float64 `json:"unit_price"`
    WeightG   int     `json:"weight_g"`
}

type consignmentResponse struct {
    Success        bool   `json:"success"`
    ConsignmentID  string `json:"consignment_id"`
    TrackingNumber string `json:"tracking_number"`
    Status         string `json:"status"`
    CreatedAt      string `json:"created_at"`
}

// buildConsignmentRequest maps an order onto the carrier schema. Weight is
// the summed item weight in kg; declared value is the order total.
func buildConsignmentRequest(o model.Order) consignmentRequest {
    items := make([]consignmentItem, 0, len(o.LineItems))
    for _, li := range o.LineItems {
        items = append(items, consignmentItem{
            SKU: li.SKU, Name: li.Title, Quantity: li.Quantity,
            UnitPrice: li.UnitPrice, WeightG: li.Grams,
        })
    }
    return consignmentRequest{
        ReferenceNumber: o.ID,
        CustomerName:    o.RecipientName(),
        CustomerPhone:   o.RecipientPhone(),
        CustomerEmail:   o.Email,
        Destination: destinationAddr{
            AddressLine1: o.ShippingAddress.Line1,
            AddressLine2: o.ShippingAddress.Line2,
            City:         o.ShippingAddress.City,
            State:        o.ShippingAddress.Region,
            Pincode:      o.ShippingAddress.PostalCode,
            Country:      o.ShippingAddress.Country,
            Phone:        o.RecipientPhone(),
        },
        WeightKg:      o.WeightKg(),
        DeclaredValue: o.TotalPrice,
        Currency:      o.Currency,
        Items:         items,
    }
}

// CreateConsignment creates a carrier consignment from the order. Not
// idempotent at the carrier; callers guard against duplicates.
func (c *Client) CreateConsignment(ctx context.Context, o model.Order) (model.Consignment, error) {
    defer observe("create_consignment", time.Now())
    var out consignmentResponse
    if err := c.do(ctx, http.MethodPost, "/api/v1/consignments", buildConsignmentRequest(o), &out); err != nil {
        return model.Consignment{}, err
    }
    if out.ConsignmentID == "" {
        return model.Consignment{}, ErrMissingConsignmentID
    }
    return model.Consignment{
        ID:             out.ConsignmentID,
        TrackingNumber: out.TrackingNumber,
        Status:         out.Status,
        WeightKg:       o.WeightKg(),
        DeclaredValue:  o.TotalPrice,
        CreatedAt:      out.CreatedAt,
    }, nil
}

// GetConsignmentStatus queries the carrier for the current status.
func (c *Client) GetConsignmentStatus(ctx context.Context, consignmentID string) (model.StatusInfo, error) {
    defer observe("get_status", time.Now())
    var out struct {
        ConsignmentID string `json:"consignment_id"`
        CurrentStatus string `json:"current_status"`
        UpdatedAt     string `json:"updated_at"`
    }
    if err := c.do(ctx, http.MethodGet, "/api/v1/consignments/"+consignmentID+"/status", nil, &out); err != nil {
        return model.StatusInfo{}, err
    }
    return model.StatusInfo{ConsignmentID: out.ConsignmentID, CurrentStatus: out.CurrentStatus, UpdatedAt: out.UpdatedAt}, nil
}

func (c *Client) CancelConsignment(ctx context.Context, consignmentID string) error {
    defer observe("cancel", time.Now())
    return c.do(ctx, http.MethodPost, "/api/v1/consignments/"+consignmentID+"/cancel", nil, nil)
}

// DownloadLabel fetches the shipping label PDF bytes.
func (c *Client) DownloadLabel(ctx context.Context, consignmentID string) ([]byte, error) {
    defer observe("download_label", time.Now())
    if err := c.limiter.Wait(ctx); err != nil { return nil, err }
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/consignments/"+consignmentID+"/label", nil)
    if err != nil { return nil, err }
    req.Header.Set("X-API-Key", c.APIKey)
    resp, err := c.HTTP.Do(req)
    if err != nil { return nil, err }
    defer func() { _ = resp.Body.Close() }()
    body, err := io.ReadAll(resp.Body)
    if err != nil { return nil, err }
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 256)}
    }
    return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
    if err := c.limiter.Wait(ctx); err != nil { return err }
    var body io.Reader
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return err }
        body = bytes.NewReader(b)
    }
    req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
    if err != nil { return err }
    req.Header.Set("X-API-Key", c.APIKey)
    if in != nil { req.Header.Set("Content-Type", "application/json") }
    resp, err := c.HTTP.Do(req)
    if err != nil { return err }
    defer func() { _ = resp.Body.Close() }()
    raw, err := io.ReadAll(resp.Body)
    if err != nil { return err }
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        return &APIError{Status: resp.StatusCode, Body: truncate(string(raw), 256)}
    }
    if out != nil {
        if err := json.Unmarshal(raw, out); err != nil {
            return fmt.Errorf("carrier: decode response: %w", err)
        }
    }
    return nil
}

func truncate(s string, n int) string {
    if len(s) <= n { return s }
    return s[:n]
}

func observe(op string, start time.Time) {
    metrics.CarrierLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
