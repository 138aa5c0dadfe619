package sync

import "sort"

// StatusMapping describes how one carrier status value is presented and
// propagated: a display name, the order-source status it maps onto, and
// whether the customer is messaged on the transition.
type StatusMapping struct {
    Display     string
    OrderStatus string
    Notify      bool
}

// statusTable must stay exhaustive over the carrier's documented status
// vocabulary. A value missing here is logged as a warning and the update
// is skipped; it never crashes reconciliation.
var statusTable = map[string]StatusMapping{
    "pending":          {Display: "Pending", OrderStatus: "processing", Notify: false},
    "pickup_scheduled": {Display: "Pickup Scheduled", OrderStatus: "processing", Notify: false},
    "out_for_pickup":   {Display: "Out For Pickup", OrderStatus: "processing", Notify: false},
    "reached_at_hub":   {Display: "Reached At Hub", OrderStatus: "in_transit", Notify: false},
    "in_transit":       {Display: "In Transit", OrderStatus: "in_transit", Notify: false},
    "outfordelivery":   {Display: "Out For Delivery", OrderStatus: "out_for_delivery", Notify: false},
    "attempted":        {Display: "Delivery Attempted", OrderStatus: "delivery_attempted", Notify: false},
    "delivered":        {Display: "Delivered", OrderStatus: "completed", Notify: true},
    "cancelled":        {Display: "Cancelled", OrderStatus: "cancelled", Notify: false},
}

// LookupStatus resolves a carrier status value against the table.
func LookupStatus(carrierStatus string) (StatusMapping, bool) {
    m, ok := statusTable[carrierStatus]
    return m, ok
}

// SupportedStatuses returns the carrier vocabulary in sorted order.
func SupportedStatuses() []string {
    out := make([]string, 0, len(statusTable))
    for k := range statusTable {
        out = append(out, k)
    }
    sort.Strings(out)
    return out
}

// IsTerminalStatus reports whether no further transition is expected.
// Reconciliation skips terminal consignments instead of re-polling them.
func IsTerminalStatus(carrierStatus string) bool {
    return carrierStatus == "delivered" || carrierStatus == "cancelled"
}
