// Package ratelimit admits requests per key with fixed-window counters.
//
// A window is identified by key + floor(now / window). The first increment of
// a window sets its expiry, so counters need no explicit cleanup. Bursts of up
// to twice the limit are possible across a window boundary; that is the price
// of O(1) state per key.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store holds window counters. Implementations must make Incr atomic for
// concurrent callers sharing a key.
type Store interface {
	// Incr adds one to key and returns the new count. When the count is 1
	// the key must expire after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed           bool
	Limit             int
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
}

// Limiter is safe for concurrent use; all mutable state lives in the Store.
type Limiter struct {
	store      Store
	now        func() time.Time
	failClosed bool
	log        log.FieldLogger
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithFailClosed rejects requests when the store is unreachable. The default
// is to admit them.
func WithFailClosed() Option { return func(l *Limiter) { l.failClosed = true } }

func WithLogger(logger log.FieldLogger) Option { return func(l *Limiter) { l.log = logger } }

func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		now:   time.Now,
		log:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit counts one request against key and reports whether it fits in limit
// for the current window. It never returns an error.
func (l *Limiter) Admit(ctx context.Context, key string, limit int, window time.Duration) Decision {
	switch {
	case window <= 0:
		window = time.Minute
	case window < time.Millisecond:
		// Buckets are whole milliseconds.
		window = time.Millisecond
	}
	now := l.now()
	windowMs := window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((bucket + 1) * windowMs)

	d := Decision{
		Limit:   limit,
		ResetAt: resetAt,
	}

	count, err := l.store.Incr(ctx, fmt.Sprintf("rate:%s:%d", key, bucket), window)
	if err != nil {
		l.log.WithFields(log.Fields{
			"key":         key,
			"fail_closed": l.failClosed,
			"error":       err,
		}).Warn("ratelimit: store unavailable")
		if l.failClosed {
			d.RetryAfterSeconds = retryAfter(now, resetAt)
			return d
		}
		d.Allowed = true
		d.Remaining = limit
		return d
	}

	d.Allowed = count <= int64(limit)
	d.Remaining = max(0, limit-int(count))
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfter(now, resetAt)
	}
	return d
}

// retryAfter rounds up so callers never retry inside the same window.
func retryAfter(now, resetAt time.Time) int {
	ms := resetAt.Sub(now).Milliseconds()
	secs := int((ms + 999) / 1000)
	return max(1, secs)
}
