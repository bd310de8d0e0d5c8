// Package notify centralizes event fan-out to connected parties. Delivery is
// best-effort and at-most-once: an offline recipient simply misses the event.
package notify

import (
	"log/slog"

	"github.com/taralok/consult/internal/presence"
)

type Dispatcher struct {
	presence *presence.Registry
}

func NewDispatcher(reg *presence.Registry) *Dispatcher {
	return &Dispatcher{presence: reg}
}

// Notify delivers one event to the identity's current connection. It reports
// whether delivery was attempted; callers must treat even a true result as
// unconfirmed since there is no acknowledgement.
func (d *Dispatcher) Notify(identityID, event string, payload any) bool {
	conn, ok := d.presence.Lookup(identityID)
	if !ok {
		slog.Debug("notification dropped, recipient offline", "identity_id", identityID, "event", event)
		return false
	}
	if err := conn.Send(event, payload); err != nil {
		slog.Warn("notification send failed", "identity_id", identityID, "event", event, "error", err)
		return false
	}
	return true
}

// NotifyAll delivers the same event to every listed identity.
func (d *Dispatcher) NotifyAll(identityIDs []string, event string, payload any) {
	for _, id := range identityIDs {
		d.Notify(id, event, payload)
	}
}
