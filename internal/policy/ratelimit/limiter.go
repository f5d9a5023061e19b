// Package ratelimit paces requests per engine with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/answer-engine-crawler/internal/metrics"
)

// Limiter manages one token bucket per engine.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	overrides    map[string]rate.Limit
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// PerEngineRPS overrides DefaultRPS for specific engines.
	PerEngineRPS map[string]float64
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.PerEngineRPS))
	for engine, rps := range cfg.PerEngineRPS {
		overrides[engine] = toLimit(rps)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
		overrides:    overrides,
	}
}

// Wait blocks until the engine may issue its next query.
func (l *Limiter) Wait(ctx context.Context, engine string) error {
	limiter := l.forEngine(engine)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(engine, d)
	}
	return nil
}

// Allow reports whether a query may run right now without waiting.
func (l *Limiter) Allow(engine string) bool {
	return l.forEngine(engine).Allow()
}

func (l *Limiter) forEngine(engine string) *rate.Limiter {
	if engine == "" {
		engine = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[engine]
	if !ok {
		r, override := l.overrides[engine]
		if !override {
			r = l.defaultRate
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[engine] = limiter
	}
	return limiter
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
