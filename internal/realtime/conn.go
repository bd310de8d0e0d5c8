// Package realtime defines the transport-agnostic contract between the
// websocket gateway and the session engine: the connection handle, the event
// vocabulary and the payload shapes exchanged with clients.
package realtime

import (
	"context"
	"encoding/json"
)

// Conn is one live client connection. Send must be safe for concurrent use.
type Conn interface {
	// ID uniquely identifies the underlying connection, not the identity
	// bound to it; the presence registry owns that mapping.
	ID() string
	Send(event string, payload any) error
	Close() error
}

// Handler receives the lifecycle of every connection the gateway accepts.
type Handler interface {
	HandleConnect(conn Conn)
	HandleEvent(ctx context.Context, conn Conn, event string, data json.RawMessage)
	HandleDisconnect(conn Conn)
}

// Frame is the wire envelope for every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
