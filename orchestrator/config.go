// Package orchestrator drives a task constellation to a terminal state by
// dispatching ready tasks to devices concurrently. Scheduling is
// event-driven: the loop blocks on a wakeup signal fired by task completion,
// planner edits, device availability, retry timers, and cancellation.
package orchestrator

import "time"

// Config tunes the scheduler and its executors.
type Config struct {
	// MaxParallelTasks bounds concurrently running executors.
	MaxParallelTasks int

	// TaskTimeout bounds a single dispatch round trip.
	TaskTimeout time.Duration

	// DefaultMaxRetries applies to tasks that do not set their own limit.
	DefaultMaxRetries int

	// BackoffInitial and BackoffMax shape the exponential retry delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// QuiescenceWindow is how long the graph must stay still before
	// WaitQuiescent returns.
	QuiescenceWindow time.Duration

	// CancelGrace bounds the wait for in-flight executors on cancellation.
	CancelGrace time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelTasks:  8,
		TaskTimeout:       120 * time.Second,
		DefaultMaxRetries: 3,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		QuiescenceWindow:  200 * time.Millisecond,
		CancelGrace:       5 * time.Second,
	}
}

// Option configures the orchestrator.
type Option func(*Config)

// WithMaxParallelTasks sets the executor pool bound.
func WithMaxParallelTasks(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxParallelTasks = n
		}
	}
}

// WithTaskTimeout sets the per-dispatch deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.TaskTimeout = d
		}
	}
}

// WithBackoff sets the retry backoff envelope.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		if initial > 0 {
			c.BackoffInitial = initial
		}
		if max > 0 {
			c.BackoffMax = max
		}
	}
}

// WithQuiescenceWindow sets the settle window for quiescence detection.
func WithQuiescenceWindow(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.QuiescenceWindow = d
		}
	}
}

// backoffDelay computes the delay before retry attempt n (1-based),
// doubling from BackoffInitial and saturating at BackoffMax.
func (c *Config) backoffDelay(attempt int) time.Duration {
	d := c.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
