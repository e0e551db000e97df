package modules

import (
	"sync"
)

// scopeLocks hands out one mutex per scope. Entries are reference counted
// and dropped once nobody holds or waits on them.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[Scope]*scopeLock
}

type scopeLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until the scope is free and returns the function releasing it.
func (l *scopeLocks) Lock(s Scope) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[Scope]*scopeLock)
	}
	e, ok := l.locks[s]
	if !ok {
		e = &scopeLock{}
		l.locks[s] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, s)
		}
		l.mu.Unlock()
	}
}
