package clock

import (
	"sync"
	"time"
)

// Clock wraps time.Now(), so that the rotator's segment names and boundary
// arithmetic can be driven by a fixed time in tests
type Clock interface {
	Now() time.Time
}

// systemClock is the default implementation of Clock (Now() returns
// time.Now())
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

var System Clock = systemClock{} // really a const

// TestingClock is a Clock whose time only moves when the test moves it. Unlike
// the system clock it's read from the rotator's goroutines, so it's guarded
type TestingClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewTestingClock returns a TestingClock stopped at 'at'
func NewTestingClock(at time.Time) *TestingClock {
	return &TestingClock{t: at}
}

// Now returns the current time according to 'c'
func (c *TestingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Add advances 'c' by the duration 'd'
func (c *TestingClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set sets the current time in 'c' to 'to'
func (c *TestingClock) Set(to time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = to
}
