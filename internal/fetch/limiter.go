package fetch

import (
	"context"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gates attempts. *rate.Limiter satisfies it.
type RateLimiter interface {
	Wait(context.Context) error
	Limit() rate.Limit
}

// Multi combines limiters; Wait blocks until every one allows the event.
// The strictest limiter is consulted first.
func Multi(limiters ...RateLimiter) RateLimiter {
	sorted := append([]RateLimiter(nil), limiters...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Limit() < sorted[j].Limit()
	})
	return &multiLimiter{limiters: sorted}
}

type multiLimiter struct {
	limiters []RateLimiter
}

func (m *multiLimiter) Wait(ctx context.Context) error {
	for _, l := range m.limiters {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiLimiter) Limit() rate.Limit {
	if len(m.limiters) == 0 {
		return rate.Inf
	}
	return m.limiters[0].Limit()
}

// Per returns a limit of events per duration.
func Per(events int, d time.Duration) rate.Limit {
	if events <= 0 || d <= 0 {
		return rate.Inf
	}
	return rate.Every(d / time.Duration(events))
}

// NewLimiter returns a token bucket allowing events per d with the given
// burst. A non-positive events count disables limiting (nil).
func NewLimiter(events int, d time.Duration, burst int) RateLimiter {
	if events <= 0 || d <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(Per(events, d), burst)
}
