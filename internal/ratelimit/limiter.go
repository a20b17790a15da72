// Package ratelimit implements the global per-channel admission gate: three
// fixed-window counters (minute, hour, day) shared by every tenant.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/util"
)

// Counter is an atomic increment-with-expiry store.
type Counter interface {
	// Values returns the current value of each key, 0 when missing.
	Values(ctx context.Context, keys ...string) ([]int64, error)
	// Incr atomically increments key and sets its expiry to ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) error
}

type window struct {
	kind   string
	layout string
	ttl    time.Duration
}

// TTLs are one second longer than the window so a counter never expires
// before its window closes.
var windows = [3]window{
	{kind: "min", layout: "2006-01-02-15-04", ttl: time.Minute + time.Second},
	{kind: "hr", layout: "2006-01-02-15", ttl: time.Hour + time.Second},
	{kind: "day", layout: "2006-01-02", ttl: 24*time.Hour + time.Second},
}

// Limiter buckets sends by UTC window labels so every worker agrees on the
// window regardless of its local timezone.
type Limiter struct {
	Counter Counter
	Now     func() time.Time
}

func New(c Counter) *Limiter {
	return &Limiter{Counter: c, Now: util.NowUTC}
}

// Keys returns the minute, hour and day counter keys for channel at t.
func Keys(channel domain.Channel, t time.Time) [3]string {
	var out [3]string
	for i, w := range windows {
		out[i] = fmt.Sprintf("%s_rate:global:%s:%s", channel, w.kind, t.Format(w.layout))
	}
	return out
}

// CanSend reports whether all three current windows are strictly below their limits.
func (l *Limiter) CanSend(ctx context.Context, channel domain.Channel, perMinute, perHour, perDay int) (bool, error) {
	keys := Keys(channel, l.now())
	vals, err := l.Counter.Values(ctx, keys[:]...)
	if err != nil {
		return false, fmt.Errorf("read rate counters: %w", err)
	}
	if len(vals) != len(keys) {
		return false, fmt.Errorf("read rate counters: got %d values for %d keys", len(vals), len(keys))
	}
	return vals[0] < int64(perMinute) &&
		vals[1] < int64(perHour) &&
		vals[2] < int64(perDay), nil
}

// RecordSend consumes one unit in each window. The labels are computed at call
// time and may differ from the ones checked by the preceding CanSend.
func (l *Limiter) RecordSend(ctx context.Context, channel domain.Channel) error {
	keys := Keys(channel, l.now())
	for i, w := range windows {
		if err := l.Counter.Incr(ctx, keys[i], w.ttl); err != nil {
			return fmt.Errorf("incr %s counter: %w", w.kind, err)
		}
	}
	return nil
}

func (l *Limiter) now() time.Time {
	if l.Now == nil {
		return util.NowUTC()
	}
	return l.Now().UTC()
}
