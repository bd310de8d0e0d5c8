// Package presence tracks which identity owns which live connection. It is
// the single source of truth for delivery: every component that needs to
// reach a party resolves the connection here instead of holding one.
package presence

import (
	"sync"

	"github.com/taralok/consult/internal/realtime"
)

type Registry struct {
	mu       sync.RWMutex
	byID     map[string]realtime.Conn
	byConnID map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]realtime.Conn),
		byConnID: make(map[string]string),
	}
}

// Register binds a connection to an identity. A second register for the same
// identity replaces the previous binding, which is how a reconnect from a new
// device takes over without an explicit logout.
func (r *Registry) Register(identityID string, conn realtime.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[identityID]; ok {
		delete(r.byConnID, prev.ID())
	}
	r.byID[identityID] = conn
	r.byConnID[conn.ID()] = identityID
}

// Unregister drops the binding for a connection and returns the identity it
// belonged to. The second value is false when the connection was never
// registered, or was already replaced by a newer one for the same identity.
func (r *Registry) Unregister(conn realtime.Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identityID, ok := r.byConnID[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConnID, conn.ID())
	if cur, ok := r.byID[identityID]; ok && cur.ID() == conn.ID() {
		delete(r.byID, identityID)
	}
	return identityID, true
}

// Lookup returns the live connection for an identity, if any.
func (r *Registry) Lookup(identityID string) (realtime.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[identityID]
	return conn, ok
}

// IdentityFor resolves the identity bound to a connection.
func (r *Registry) IdentityFor(conn realtime.Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identityID, ok := r.byConnID[conn.ID()]
	return identityID, ok
}

// Online reports whether the identity currently has a live connection.
func (r *Registry) Online(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[identityID]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
