package api

import (
	"sync"

	"backline/internal/config"

	"golang.org/x/time/rate"
)

// clientLimiters keeps one token bucket per caller. Authenticated callers
// are keyed by api key, so a dashboard polling progress cannot starve the
// ops client enqueueing jobs.
type clientLimiters struct {
	buckets sync.Map
	rps     rate.Limit
	burst   int
}

func newClientLimiters(cfg config.APIRateLimitConfig) *clientLimiters {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &clientLimiters{rps: rate.Limit(cfg.RPS), burst: burst}
}

func (l *clientLimiters) allow(key string) bool {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*rate.Limiter).Allow()
	}

	lim := rate.NewLimiter(l.rps, l.burst)
	if v, loaded := l.buckets.LoadOrStore(key, lim); loaded {
		lim = v.(*rate.Limiter)
	}
	return lim.Allow()
}
