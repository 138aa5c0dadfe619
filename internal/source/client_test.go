package source

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "shipsync/internal/model"
)

func TestGetAllOrdersFilters(t *testing.T) {
    var gotQuery string
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotQuery = r.URL.RawQuery
        require.Equal(t, "tok", r.Header.Get("X-Access-Token"))
        _ = json.NewEncoder(w).Encode(map[string]any{"orders": []model.Order{{ID: "1"}, {ID: "2"}}})
    }))
    defer srv.Close()

    c := New(srv.URL, "tok", 5*time.Second)
    c.HTTP = srv.Client()
    after := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
    orders, err := c.GetAllOrders(context.Background(), model.OrderFilters{Status: "open", Limit: 25, CreatedAfter: after})
    require.NoError(t, err)
    assert.Len(t, orders, 2)
    assert.Contains(t, gotQuery, "status=open")
    assert.Contains(t, gotQuery, "limit=25")
    assert.Contains(t, gotQuery, "created_at_min=")
}

func TestUpdateOrderNote(t *testing.T) {
    var gotPath string
    var gotBody map[string]map[string]any
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotPath = r.URL.Path
        require.Equal(t, http.MethodPut, r.Method)
        require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
        w.WriteHeader(200)
    }))
    defer srv.Close()

    c := New(srv.URL, "tok", 5*time.Second)
    c.HTTP = srv.Client()
    require.NoError(t, c.UpdateOrderNote(context.Background(), "1001", "SHIPSY_ID: 7"))
    assert.Equal(t, "/admin/api/orders/1001.json", gotPath)
    assert.Equal(t, "SHIPSY_ID: 7", gotBody["order"]["note"])
}

func TestErrorResponse(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        http.Error(w, "not found", http.StatusNotFound)
    }))
    defer srv.Close()

    c := New(srv.URL, "tok", 5*time.Second)
    c.HTTP = srv.Client()
    _, err := c.GetOrder(context.Background(), "nope")
    var apiErr *APIError
    require.ErrorAs(t, err, &apiErr)
    assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
