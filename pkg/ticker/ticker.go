// Package ticker provides the scheduling primitive used by the remoting
// core. Deferred work (outbound flush pooling, reply timeout scans,
// reconnect backoff) is expressed as tasks scheduled against a Ticker, so
// tests can substitute a manual implementation and drive time explicitly.
package ticker

import (
	"sort"
	"sync"
	"time"
)

// A Task is a handle to scheduled work. Cancel returns false if the task
// has already fired or been cancelled.
type Task interface {
	Cancel() bool
}

// A Ticker schedules a function to run once after the given delay.
type Ticker interface {
	Schedule(after time.Duration, f func()) Task
}

type wallTask struct {
	timer *time.Timer
}

func (t *wallTask) Cancel() bool {
	return t.timer.Stop()
}

type wallTicker struct{}

// Wall returns a Ticker backed by the runtime timer wheel.
func Wall() Ticker {
	return wallTicker{}
}

func (wallTicker) Schedule(after time.Duration, f func()) Task {
	return &wallTask{timer: time.AfterFunc(after, f)}
}

// Manual is a Ticker for tests. Scheduled tasks fire only when Advance
// moves the synthetic clock past their deadline, and they fire on the
// calling goroutine so tests stay deterministic.
type Manual struct {
	mu    sync.Mutex
	now   time.Duration
	tasks []*manualTask
}

type manualTask struct {
	owner    *Manual
	deadline time.Duration
	f        func()
	done     bool
}

func (t *manualTask) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewManual returns a Manual ticker starting at time zero.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Schedule(after time.Duration, f func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTask{owner: m, deadline: m.now + after, f: f}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves the clock forward and runs every task whose deadline has
// been reached, in deadline order. Tasks scheduled while advancing are
// honored if they fall within the same window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		// The clock stands at the task's deadline while it runs, so tasks
		// it schedules are timed from that moment.
		m.mu.Lock()
		if t.deadline > m.now {
			m.now = t.deadline
		}
		m.mu.Unlock()
		t.f()
	}
	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// Pending reports the number of tasks that have neither fired nor been
// cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.done {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(now time.Duration) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.tasks[:0:0]
	for _, t := range m.tasks {
		if !t.done && t.deadline <= now {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	due[0].done = true
	return due[0]
}
