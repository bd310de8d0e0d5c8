package session

import "sync"

// roomExec serializes work per room key. Events for the same room run in
// arrival order while unrelated rooms proceed in parallel; lock entries are
// reference counted so idle rooms do not leak.
type roomExec struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomExec() *roomExec {
	return &roomExec{locks: make(map[string]*roomLock)}
}

func (e *roomExec) Do(key string, fn func()) {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &roomLock{}
		e.locks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	fn()
	l.mu.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, key)
	}
	e.mu.Unlock()
}
