package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter blocks until a request may proceed
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLocalLimiter returns a process-local token bucket allowing perSecond
// requests with a burst of the same size. A non-positive rate disables it.
func NewLocalLimiter(perSecond float64) Limiter {
	if perSecond <= 0 {
		return Unlimited()
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type unlimited struct{}

func (unlimited) Wait(context.Context) error { return nil }

// Unlimited never blocks
func Unlimited() Limiter {
	return unlimited{}
}

type chain []Limiter

func (c chain) Wait(ctx context.Context) error {
	for _, l := range c {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Chain waits on each limiter in order. Nil limiters are skipped.
func Chain(limiters ...Limiter) Limiter {
	var c chain
	for _, l := range limiters {
		if l != nil {
			c = append(c, l)
		}
	}
	if len(c) == 0 {
		return Unlimited()
	}
	return c
}
