package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a new StepClock.
var Epoch = time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)

// StepClock is a thread-safe wall clock for tests that advances by a fixed
// step on every reading, so successive timestamps are distinct and predictable.
type StepClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepClock creates a clock starting at Epoch that advances by step.
//
// The first call to Now() returns Epoch.
func NewStepClock(step time.Duration) *StepClock {
	return &StepClock{next: Epoch, step: step}
}

// Now returns the current reading and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(c.step)
	return t
}

// Peek returns the next reading without advancing.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Reset rewinds the clock to Epoch.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = Epoch
}
