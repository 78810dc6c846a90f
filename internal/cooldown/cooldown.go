// Package cooldown implements the cooldown controller (spec §4.D): an
// exponential-backoff timer gating online production attempts after
// failures. The formula is exact deterministic arithmetic (spec §8
// invariant 8), so it is hand-rolled rather than built on
// golang.org/x/time/rate: that package models token-bucket admission
// control, a different shape of problem from "don't retry before a fixed
// deadline computed from a failure count" (see DESIGN.md).
package cooldown

import (
	"sync/atomic"
	"time"
)

const (
	base        = 3 * time.Second
	max         = 60 * time.Second
	maxExponent = 5
)

// Controller tracks consecutive online failures and the resulting cooldown
// deadline.
type Controller struct {
	failureCount  atomic.Uint32
	cooldownUntil atomic.Int64 // unix nanos
	now           func() time.Time
}

// New constructs a Controller with no active cooldown.
func New() *Controller {
	return &Controller{now: time.Now}
}

// OnSuccess clears all cooldown state (spec §3 "reset on any online success
// or network-recovery edge").
func (c *Controller) OnSuccess() {
	c.failureCount.Store(0)
	c.cooldownUntil.Store(0)
}

// OnFailure records a failure and (re)computes the cooldown deadline:
// cooldown_until = now + min(base * 2^(failureCount-1), max), exponent
// capped at maxExponent.
func (c *Controller) OnFailure() {
	n := c.failureCount.Add(1)
	exp := int(n) - 1
	if exp > maxExponent {
		exp = maxExponent
	}
	delay := base * time.Duration(1<<uint(exp))
	if delay > max {
		delay = max
	}
	c.cooldownUntil.Store(c.now().Add(delay).UnixNano())
}

// AllowNetworkNow reports whether the cooldown has elapsed.
func (c *Controller) AllowNetworkNow() bool {
	return c.now().UnixNano() >= c.cooldownUntil.Load()
}

// FailureCount returns the current consecutive-failure count.
func (c *Controller) FailureCount() uint32 {
	return c.failureCount.Load()
}

// CooldownUntil returns the current cooldown deadline.
func (c *Controller) CooldownUntil() time.Time {
	return time.Unix(0, c.cooldownUntil.Load())
}
