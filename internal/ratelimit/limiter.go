// Package ratelimit enforces per-identity request windows by endpoint class.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codepair/internal/config"
	"codepair/internal/monitor"
)

var ErrRateLimited = errors.New("rate limited")

// LimitError carries how long the caller must wait.
type LimitError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %s", e.Class, e.RetryAfter)
}

func (e *LimitError) Unwrap() error {
	return ErrRateLimited
}

// Class is a request budget per window.
type Class struct {
	Limit  int64
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter decides whether identity may make another request of class.
// Unknown classes are unlimited.
type Limiter interface {
	Allow(ctx context.Context, identity, class string) Decision
}

// Check turns a rejection into a *LimitError.
func Check(ctx context.Context, l Limiter, identity, class string) error {
	d := l.Allow(ctx, identity, class)
	if d.Allowed {
		return nil
	}
	return &LimitError{Class: class, RetryAfter: d.RetryAfter}
}

// ClassesFromConfig converts configured classes.
func ClassesFromConfig(cfg config.RateLimitConfig) map[string]Class {
	out := make(map[string]Class, len(cfg.Classes))
	for name, c := range cfg.Classes {
		out[name] = Class{Limit: c.Limit, Window: c.Window}
	}
	return out
}

func record(m *monitor.Metrics, class, outcome string) {
	if m != nil {
		m.RecordRateLimit(class, outcome)
	}
}
