package api

import (
    "encoding/json"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"
)

// WebSocket event stream (graphql-transport-ws style framing) for clients
// that cannot hold an SSE connection.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
    Type    string          `json:"type"`
    ID      string          `json:"id,omitempty"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
    Events  []string `json:"events"`  // optional event-type filter
    OrderID string   `json:"orderId"` // optional per-order topic
}

// EventsWSHandler handles /v1/events/ws
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer func() { _ = conn.Close() }()

    type sub struct {
        topic string
        ch    chan SSEEvent
    }
    subs := map[string]sub{}

    conn.SetReadLimit(1 << 20)
    _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

    // The ping and subscription goroutines write concurrently with the
    // read loop; the connection allows one writer at a time.
    var wmu sync.Mutex
    write := func(v any) error {
        wmu.Lock()
        defer wmu.Unlock()
        return conn.WriteJSON(v)
    }

    for {
        var msg wsMessage
        if err := conn.ReadJSON(&msg); err != nil {
            break
        }
        switch msg.Type {
        case "connection_init":
            _ = write(wsMessage{Type: "connection_ack"})
            go func() {
                ticker := time.NewTicker(20 * time.Second)
                defer ticker.Stop()
                for range ticker.C {
                    if err := write(wsMessage{Type: "ping"}); err != nil {
                        return
                    }
                }
            }()
        case "ping":
            _ = write(wsMessage{Type: "pong"})
        case "subscribe":
            var pl subscribePayload
            _ = json.Unmarshal(msg.Payload, &pl)
            topic := TopicEvents
            if pl.OrderID != "" { topic = "order:" + pl.OrderID }
            filter := map[string]bool{}
            for _, e := range pl.Events { filter[e] = true }
            ch := s.Broker.Subscribe(topic)
            subs[msg.ID] = sub{topic: topic, ch: ch}
            go func(id string, c chan SSEEvent, filter map[string]bool) {
                for evt := range c {
                    if len(filter) > 0 && !filter[evt.Type] {
                        continue
                    }
                    payload, _ := json.Marshal(map[string]any{"type": evt.Type, "data": evt.Data})
                    _ = write(wsMessage{Type: "next", ID: id, Payload: payload})
                }
                _ = write(wsMessage{Type: "complete", ID: id})
            }(msg.ID, ch, filter)
        case "complete":
            if s0, ok := subs[msg.ID]; ok {
                s.Broker.Unsubscribe(s0.topic, s0.ch)
                delete(subs, msg.ID)
            }
        default:
            // ignore
        }
    }
    for id, s0 := range subs {
        s.Broker.Unsubscribe(s0.topic, s0.ch)
        delete(subs, id)
    }
}
