package commobj

import (
	"context"
	"time"
)

// DefaultTimeout is the open and close budget used when neither the endpoint
// nor its configuration supplies one
const DefaultTimeout = 30 * time.Second

// DefaultAbortTimeout bounds how long Abort waits for a release hook
const DefaultAbortTimeout = 5 * time.Second

// TimeoutPolicy holds the default budgets for an object. Endpoints may
// override the open and close defaults by implementing OpenTimeoutDefaulter
// or CloseTimeoutDefaulter.
type TimeoutPolicy struct {
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
	AbortTimeout time.Duration `yaml:"abort_timeout"`
}

// DefaultTimeoutPolicy returns 30s open/close budgets and a 5s abort bound
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		OpenTimeout:  DefaultTimeout,
		CloseTimeout: DefaultTimeout,
		AbortTimeout: DefaultAbortTimeout,
	}
}

// WithDefaults returns a copy of p with every non-positive field replaced by
// its default
func (p TimeoutPolicy) WithDefaults() TimeoutPolicy {
	d := DefaultTimeoutPolicy()
	if p.OpenTimeout <= 0 {
		p.OpenTimeout = d.OpenTimeout
	}
	if p.CloseTimeout <= 0 {
		p.CloseTimeout = d.CloseTimeout
	}
	if p.AbortTimeout <= 0 {
		p.AbortTimeout = d.AbortTimeout
	}
	return p
}

// TimeoutHelper tracks what is left of a budget that started when the helper
// was created
type TimeoutHelper struct {
	original time.Duration
	deadline time.Time
}

// NewTimeoutHelper starts a budget of the given length now
func NewTimeoutHelper(timeout time.Duration) TimeoutHelper {
	return TimeoutHelper{original: timeout, deadline: time.Now().Add(timeout)}
}

// OriginalTimeout returns the budget the helper was created with
func (h TimeoutHelper) OriginalTimeout() time.Duration {
	return h.original
}

// Deadline returns the point in time at which the budget runs out
func (h TimeoutHelper) Deadline() time.Time {
	return h.deadline
}

// RemainingTime returns what is left of the budget, never negative
func (h TimeoutHelper) RemainingTime() time.Duration {
	d := time.Until(h.deadline)
	if d < 0 {
		d = 0
	}
	return d
}

// Expired returns true once the budget is used up
func (h TimeoutHelper) Expired() bool {
	return h.RemainingTime() <= 0
}

// Context derives a context that is cancelled when the budget runs out
func (h TimeoutHelper) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, h.deadline)
}

// waitChan waits for ch to be closed for at most d. Returns false on timeout.
func waitChan(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	default:
	}
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
