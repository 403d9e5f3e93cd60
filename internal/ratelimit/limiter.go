// Package ratelimit implements a fixed-window request limiter on top
// of an atomic counter store. The window is fixed, not sliding: a
// client can burst up to twice the limit across a window seam. That
// is an accepted property of the algorithm; tightening it would be a
// deliberate move to a sliding window or token bucket, not a patch
// here.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Rule is the limit applied to one counter window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int

	// Err is set when the counter store failed. The limiter fails
	// open: Allowed is still true, and the caller is expected to
	// record the failure so the policy stays observable.
	Err error
}

// Limiter enforces per-client fixed-window limits, with optional
// per-service overrides of the default rule.
type Limiter struct {
	store     CounterStore
	def       Rule
	overrides map[string]Rule
	logger    zerolog.Logger
}

// NewLimiter creates a limiter with the given default rule and
// per-service overrides keyed by service name.
func NewLimiter(store CounterStore, def Rule, overrides map[string]Rule, logger zerolog.Logger) *Limiter {
	if overrides == nil {
		overrides = map[string]Rule{}
	}
	return &Limiter{
		store:     store,
		def:       def,
		overrides: overrides,
		logger:    logger,
	}
}

// RuleFor returns the rule applied to a service.
func (l *Limiter) RuleFor(service string) Rule {
	if r, ok := l.overrides[service]; ok {
		return r
	}
	return l.def
}

// Check counts one request from clientKey against service's rule and
// decides whether it may proceed. Count-then-compare: the attempt is
// always counted, then denied if the resulting count exceeds the
// limit, so denied requests still consume window budget.
//
// When the store is unreachable the limiter fails open (see
// Decision.Err); the gateway prefers serving traffic unmetered over
// serving 429s because Redis restarted.
func (l *Limiter) Check(ctx context.Context, clientKey, service string) Decision {
	rule := l.RuleFor(service)
	key := fmt.Sprintf("%s:%s", service, clientKey)

	count, err := l.store.Increment(ctx, key, rule.Window)
	if err != nil {
		l.logger.Error().Err(err).
			Str("service", service).
			Str("client", clientKey).
			Msg("counter store failed, failing open")
		return Decision{Allowed: true, Limit: rule.Limit, Err: err}
	}

	if count > int64(rule.Limit) {
		return Decision{Allowed: false, Count: count, Limit: rule.Limit}
	}
	return Decision{Allowed: true, Count: count, Limit: rule.Limit}
}
