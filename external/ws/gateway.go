// Package ws is the websocket gateway. It upgrades HTTP connections, frames
// every message as an event envelope and feeds the session handler; all
// outbound writes go through a per-connection mutex because gorilla
// connections allow only one concurrent writer.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/taralok/consult/internal/config"
	"github.com/taralok/consult/internal/realtime"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxMessageSize = 64 * 1024
)

type Gateway struct {
	upgrader websocket.Upgrader
	handler  realtime.Handler
}

func NewGateway(cfg *config.Config, handler realtime.Handler) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.OriginAllowed(r.Header.Get("Origin"))
			},
		},
		handler: handler,
	}
}

// wsConn adapts one gorilla connection to the realtime.Conn contract.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(realtime.Frame{Event: event, Data: data})
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the peer goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn := &wsConn{id: uuid.NewString(), conn: raw}

	raw.SetReadLimit(maxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	g.handler.HandleConnect(conn)
	defer func() {
		g.handler.HandleDisconnect(conn)
		_ = raw.Close()
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go g.pingLoop(conn, stopPing)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket read failed", "conn_id", conn.id, "error", err)
			}
			return
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			slog.Warn("dropping malformed frame", "conn_id", conn.id, "error", err)
			continue
		}
		g.handler.HandleEvent(r.Context(), conn, frame.Event, frame.Data)
	}
}

func (g *Gateway) pingLoop(conn *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
