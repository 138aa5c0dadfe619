package model

import (
    "errors"
    "strings"
    "time"
)

// Order is the order-source record this service reads and annotates.
// Content fields are owned by the order source; the note and tag set are
// the only channels written back for sync bookkeeping.
type Order struct {
    ID                string     `json:"id"`
    Name              string     `json:"name,omitempty"` // display handle, e.g. "#1001"
    Email             string     `json:"email,omitempty"`
    Phone             string     `json:"phone,omitempty"`
    Note              string     `json:"note,omitempty"`
    Tags              []string   `json:"tags,omitempty"`
    FinancialStatus   string     `json:"financialStatus,omitempty"`
    FulfillmentStatus string     `json:"fulfillmentStatus,omitempty"`
    Currency          string     `json:"currency,omitempty"`
    SubtotalPrice     float64    `json:"subtotalPrice,omitempty"`
    TotalTax          float64    `json:"totalTax,omitempty"`
    ShippingCost      float64    `json:"shippingCost,omitempty"`
    TotalPrice        float64    `json:"totalPrice"`
    CreatedAt         string     `json:"createdAt,omitempty"`
    Customer          Customer   `json:"customer"`
    ShippingAddress   Address    `json:"shippingAddress"`
    LineItems         []LineItem `json:"lineItems"`
}

type Customer struct {
    FirstName string `json:"firstName,omitempty"`
    LastName  string `json:"lastName,omitempty"`
    Email     string `json:"email,omitempty"`
    Phone     string `json:"phone,omitempty"`
}

type Address struct {
    Name       string `json:"name,omitempty"`
    Line1      string `json:"line1"`
    Line2      string `json:"line2,omitempty"`
    City       string `json:"city"`
    Region     string `json:"region,omitempty"`
    PostalCode string `json:"postalCode"`
    Country    string `json:"country,omitempty"`
    Phone      string `json:"phone,omitempty"`
}

type LineItem struct {
    SKU       string  `json:"sku,omitempty"`
    Title     string  `json:"title"`
    Quantity  int     `json:"quantity"`
    UnitPrice float64 `json:"unitPrice"`
    Grams     int     `json:"grams"`
}

// Validate checks the fields a consignment cannot be created without.
func (o Order) Validate() error {
    var missing []string
    if o.ShippingAddress.Name == "" && o.Customer.FirstName == "" {
        missing = append(missing, "recipient name")
    }
    if o.ShippingAddress.Line1 == "" { missing = append(missing, "address line 1") }
    if o.ShippingAddress.City == "" { missing = append(missing, "city") }
    if o.ShippingAddress.PostalCode == "" { missing = append(missing, "postal code") }
    if o.ShippingAddress.Phone == "" && o.Phone == "" && o.Customer.Phone == "" {
        missing = append(missing, "phone")
    }
    if len(o.LineItems) == 0 { missing = append(missing, "line items") }
    if len(missing) > 0 {
        return errors.New("order missing " + strings.Join(missing, ", "))
    }
    return nil
}

// WeightKg returns the total shipment weight in kilograms.
func (o Order) WeightKg() float64 {
    grams := 0
    for _, li := range o.LineItems {
        grams += li.Grams * li.Quantity
    }
    return float64(grams) / 1000.0
}

// RecipientName prefers the shipping address name over the customer name.
func (o Order) RecipientName() string {
    if o.ShippingAddress.Name != "" { return o.ShippingAddress.Name }
    return strings.TrimSpace(o.Customer.FirstName + " " + o.Customer.LastName)
}

// RecipientPhone prefers the shipping address phone.
func (o Order) RecipientPhone() string {
    if o.ShippingAddress.Phone != "" { return o.ShippingAddress.Phone }
    if o.Phone != "" { return o.Phone }
    return o.Customer.Phone
}

func (o Order) HasTag(tag string) bool {
    for _, t := range o.Tags {
        if strings.EqualFold(t, tag) { return true }
    }
    return false
}

// Consignment is the carrier-side shipment record. Content is a snapshot
// taken at creation; only the status moves afterwards.
type Consignment struct {
    ID             string  `json:"id"`
    TrackingNumber string  `json:"trackingNumber,omitempty"`
    Status         string  `json:"status,omitempty"`
    WeightKg       float64 `json:"weightKg,omitempty"`
    DeclaredValue  float64 `json:"declaredValue,omitempty"`
    CreatedAt      string  `json:"createdAt,omitempty"`
}

// StatusInfo is the carrier's answer to a status query.
type StatusInfo struct {
    ConsignmentID string         `json:"consignmentId"`
    CurrentStatus string         `json:"currentStatus"`
    UpdatedAt     string         `json:"updatedAt,omitempty"`
    Raw           map[string]any `json:"raw,omitempty"`
}

// Association is the durable order -> consignment mapping. It is the
// primary sync state; the note token is kept in step with it for
// compatibility with note-based installs.
type Association struct {
    OrderID       string    `json:"orderId"`
    ConsignmentID string    `json:"consignmentId"`
    Status        string    `json:"status"`
    SyncedAt      time.Time `json:"syncedAt"`
    NoteWritten   bool      `json:"noteWritten"`
}

// SyncResult is the outcome of a single-order sync.
type SyncResult struct {
    Success       bool   `json:"success"`
    ConsignmentID string `json:"consignmentId,omitempty"`
    Reason        string `json:"reason,omitempty"`
}

// BatchResult tallies a bulk sync run.
type BatchResult struct {
    Synced int `json:"synced"`
    Failed int `json:"failed"`
    Total  int `json:"total"`
}

// ReconcileResult tallies a status-reconciliation run.
type ReconcileResult struct {
    Updated int `json:"updated"`
    Failed  int `json:"failed"`
    Skipped int `json:"skipped"`
}

// SyncOptions bounds a bulk sync run. Pagination beyond Limit is the
// caller's responsibility.
type SyncOptions struct {
    Limit        int       `json:"limit,omitempty"`
    CreatedAfter time.Time `json:"createdAfter,omitempty"`
}

// OrderFilters narrows an order-source listing.
type OrderFilters struct {
    Status       string
    Limit        int
    CreatedAfter time.Time
}

// Sync log entry types and outcome statuses.
const (
    LogTypeSync         = "sync"
    LogTypeStatusUpdate = "status_update"
    LogTypeError        = "error"

    LogStatusSuccess = "success"
    LogStatusFailed  = "failed"
    LogStatusPartial = "partial"
)

// SyncLogEntry is an append-only record of one operation attempt.
type SyncLogEntry struct {
    ID            string    `json:"id"`
    TS            time.Time `json:"timestamp"`
    Type          string    `json:"type"`
    Status        string    `json:"status"`
    OrderID       string    `json:"orderId,omitempty"`
    ConsignmentID string    `json:"consignmentId,omitempty"`
    Synced        int       `json:"synced,omitempty"`
    Failed        int       `json:"failed,omitempty"`
    Total         int       `json:"total,omitempty"`
    Message       string    `json:"message,omitempty"`
    Error         string    `json:"error,omitempty"`
    DurationMs    int       `json:"duration,omitempty"`
}

type SubscriptionRequest struct {
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret"`
}

type Subscription struct {
    ID     string   `json:"id"`
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret,omitempty"`
}
