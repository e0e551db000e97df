// Package scheduler runs the two long-lived background loops: the realtime
// loop raising threshold alerts and the batch loop running scheduled
// integration rules.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
)

// ErrAlreadyRunning is returned by Start on a loop that is running.
var ErrAlreadyRunning = errors.New("scheduler: loop is already running")

// Status describes a loop for operators.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	Ticks     int64     `json:"ticks"`
	LastError string    `json:"last_error,omitempty"`
}

// tracker holds the running flag and tick bookkeeping shared by both loops.
type tracker struct {
	running atomic.Bool

	mu        sync.Mutex
	startedAt time.Time
	lastTick  time.Time
	ticks     int64
	lastErr   string
}

// start sets the running flag. It returns false if it was already set.
func (t *tracker) start(now time.Time) bool {
	if !t.running.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	t.startedAt = now
	t.mu.Unlock()
	return true
}

func (t *tracker) stop() bool {
	return t.running.CompareAndSwap(true, false)
}

func (t *tracker) tick(at time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTick = at
	t.ticks++
	if err != nil {
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
	}
}

func (t *tracker) status(name string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Name:      name,
		Running:   t.running.Load(),
		StartedAt: t.startedAt,
		LastTick:  t.lastTick,
		Ticks:     t.ticks,
		LastError: t.lastErr,
	}
}
