// Package resilience guards calls to rate-limited vendor APIs.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while a breaker rejects calls.
var ErrOpen = errors.New("circuit open")

// RateLimitError is a vendor's 429 response.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limited"
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	return msg
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker opens after threshold consecutive rate-limit failures and
// rejects calls until the cooldown (or a longer Retry-After) has passed.
// Other errors leave it untouched.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow returns ErrOpen while the breaker is open.
func (c *CircuitBreaker) Allow() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := c.openUntil; c.now().Before(until) {
		return fmt.Errorf("%w until %s", ErrOpen, until.Format(time.RFC3339))
	}
	return nil
}

// Record feeds the result of one call into the breaker.
func (c *CircuitBreaker) Record(err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var rl RateLimitError
	switch {
	case err == nil:
		c.failures = 0
		c.openUntil = time.Time{}
	case errors.As(err, &rl):
		c.failures++
		if c.failures < c.threshold {
			return
		}
		wait := c.cooldown
		if rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		c.openUntil = c.now().Add(wait)
	}
}
