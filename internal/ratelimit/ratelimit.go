package ratelimit

import (
	"context"
	"fmt"
	"time"

	"hotspot/portal/internal/ephemeral"
)

// Limiter is a fixed-window counter over the ephemeral store. Bursts of up
// to 2x max across a window boundary are accepted.
type Limiter struct {
	store ephemeral.Store
	now   func() time.Time
}

func New(store ephemeral.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock is for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Allow(ctx context.Context, scope, key string, window time.Duration, max int) (bool, error) {
	if window <= 0 {
		return false, fmt.Errorf("ratelimit: invalid window %s", window)
	}
	index := l.now().UnixNano() / int64(window)
	count, err := l.store.IncrWithExpiry(ctx, Key(scope, key, index), window+time.Second)
	if err != nil {
		return false, err
	}
	return count <= int64(max), nil
}

func Key(scope, key string, index int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, key, index)
}
