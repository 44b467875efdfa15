package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time for every expiry and window calculation
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock
func System() Clock {
	return systemClock{}
}

// Mock is a manually advanced clock for tests
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a mock clock frozen at the given instant
func NewMock(now time.Time) *Mock {
	return &Mock{now: now}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
