package mock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source of the mock provider. session.Clock has the
// same shape, so a MockClock can drive both sides of a test.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system time.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually advanced clock. Timers created with AfterFunc
// run when Advance moves the clock past their deadline.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
	delays  []time.Duration
}

type mockTimer struct {
	deadline time.Time
	fn       func()
	stopped  bool
}

// NewMockClock starts the clock at t, or at the current time if t is zero.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Now()
	}
	return &MockClock{current: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the clock forward by d and runs the timers that became
// due, earliest first, on the calling goroutine.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current

	var due, remaining []*mockTimer
	for _, t := range m.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(now):
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		// A timer run earlier in this loop may have stopped this one.
		m.mu.Lock()
		stopped := t.stopped
		t.stopped = true
		m.mu.Unlock()
		if !stopped {
			t.fn()
		}
	}
}

// AfterFunc schedules fn to run once the clock has advanced by d. The
// returned function cancels it and reports whether it was still pending.
// The signature matches the refresh scheduler hooks.
func (m *MockClock) AfterFunc(d time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &mockTimer{deadline: m.current.Add(d), fn: fn}
	m.timers = append(m.timers, t)
	m.delays = append(m.delays, d)

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Delays returns the delay of every AfterFunc call so far.
func (m *MockClock) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

// Pending returns the number of timers that have neither run nor been
// stopped.
func (m *MockClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
