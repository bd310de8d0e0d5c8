package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taralok/consult/internal/config"
	"github.com/taralok/consult/internal/realtime"
)

type recordingHandler struct {
	mu          sync.Mutex
	connected   int
	disconnects int
	events      []string
	lastConn    realtime.Conn
}

func (h *recordingHandler) HandleConnect(conn realtime.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
	h.lastConn = conn
}

func (h *recordingHandler) HandleEvent(_ context.Context, conn realtime.Conn, event string, _ json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	// Echo back so the client side of the test can observe Send.
	_ = conn.Send("ack", map[string]string{"event": event})
}

func (h *recordingHandler) HandleDisconnect(realtime.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func testConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		ListenAddr:     ":0",
		DatabaseURL:    "postgres://unused",
		AllowedOrigins: []string{"*"},
	}
}

func dialTestServer(t *testing.T, gw *Gateway) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(gw)
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGatewayRoutesFramesToHandler(t *testing.T) {
	handler := &recordingHandler{}
	gw := NewGateway(testConfig(), handler)
	conn := dialTestServer(t, gw)

	if err := conn.WriteJSON(realtime.Frame{Event: "register_user", Data: json.RawMessage(`{"identityId":"u1"}`)}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply realtime.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Event != "ack" {
		t.Errorf("reply event = %q, want ack", reply.Event)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.connected != 1 {
		t.Errorf("connected = %d, want 1", handler.connected)
	}
	if len(handler.events) != 1 || handler.events[0] != "register_user" {
		t.Errorf("events = %v", handler.events)
	}
	if handler.lastConn.ID() == "" {
		t.Error("connection has no id")
	}
}

func TestGatewayDropsMalformedFrames(t *testing.T) {
	handler := &recordingHandler{}
	gw := NewGateway(testConfig(), handler)
	conn := dialTestServer(t, gw)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := conn.WriteJSON(realtime.Frame{Event: "register_user"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply realtime.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.events) != 1 {
		t.Errorf("events = %v, want only the well-formed frame", handler.events)
	}
}

func TestGatewayReportsDisconnect(t *testing.T) {
	handler := &recordingHandler{}
	gw := NewGateway(testConfig(), handler)
	conn := dialTestServer(t, gw)

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		done := handler.disconnects == 1
		handler.mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("disconnect was never reported")
}
