// Package main runs a demo WebSocket client for sync events.
package main

import (
    "bytes"
    "encoding/json"
    "fmt"
    "log"
    "net/http"
    "net/url"
    "os"
    "time"

    "github.com/gorilla/websocket"
)

type wsMessage struct {
    Type    string          `json:"type"`
    ID      string          `json:"id,omitempty"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
    port := os.Getenv("PORT")
    if port == "" {
        port = "8080"
    }
    base := fmt.Sprintf("http://localhost:%s", port)

    // Connect WS
    u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/events/ws"}
    hdr := http.Header{}
    hdr.Set("X-Role", "admin")
    c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
    if err != nil {
        log.Fatal("dial:", err)
    }
    defer func() { _ = c.Close() }()

    // connection_init
    if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
        log.Fatal(err)
    }
    // subscribe to all sync events
    pl, _ := json.Marshal(map[string]any{"events": []string{}})
    if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
        log.Fatal(err)
    }

    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            var m wsMessage
            if err := c.ReadJSON(&m); err != nil {
                log.Printf("read: %v", err)
                return
            }
            log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
        }
    }()

    // Trigger a batch sync so some events flow
    time.Sleep(500 * time.Millisecond)
    runReq, _ := http.NewRequest(http.MethodPost, base+"/v1/sync/run", bytes.NewReader([]byte("{}")))
    runReq.Header.Set("Content-Type", "application/json")
    runReq.Header.Set("X-Role", "admin")
    _, _ = http.DefaultClient.Do(runReq)

    // Wait briefly to receive a few messages
    select {
    case <-time.After(2 * time.Second):
    case <-done:
    }
}
