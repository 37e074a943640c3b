package ratelimit

import (
	"context"
	"sync"
	"time"

	"codepair/internal/monitor"
)

const sweepThreshold = 10000

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryLimiter applies the same windows in process, for single-instance runs.
type MemoryLimiter struct {
	classes map[string]Class
	metrics *monitor.Metrics

	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryLimiter(classes map[string]Class, metrics *monitor.Metrics) *MemoryLimiter {
	return &MemoryLimiter{
		classes: classes,
		metrics: metrics,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, identity, class string) Decision {
	c, ok := l.classes[class]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}
	key := class + ":" + identity
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.windows) > sweepThreshold {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(c.Window)}
		l.windows[key] = w
	}

	if w.count >= c.Limit {
		record(l.metrics, class, "limited")
		return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}
	}
	w.count++
	record(l.metrics, class, "allowed")
	return Decision{Allowed: true, Remaining: c.Limit - w.count}
}
