package sync

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestStatusTableCompleteness(t *testing.T) {
    for _, s := range SupportedStatuses() {
        m, ok := LookupStatus(s)
        require.True(t, ok, "status %q must be mapped", s)
        assert.NotEmpty(t, m.Display, "status %q needs a display name", s)
        assert.NotEmpty(t, m.OrderStatus, "status %q needs an order status", s)
    }
}

func TestDeliveredMapsToCompletedWithNotify(t *testing.T) {
    m, ok := LookupStatus("delivered")
    require.True(t, ok)
    assert.Equal(t, "completed", m.OrderStatus)
    assert.True(t, m.Notify)
}

func TestTerminalStatuses(t *testing.T) {
    assert.True(t, IsTerminalStatus("delivered"))
    assert.True(t, IsTerminalStatus("cancelled"))
    assert.False(t, IsTerminalStatus("in_transit"))
    assert.False(t, IsTerminalStatus("pending"))
}

func TestLookupUnknownStatus(t *testing.T) {
    _, ok := LookupStatus("teleported")
    assert.False(t, ok)
}
