package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces requests per key (usually a host) for politeness
type RateLimiter struct {
	lastRequest   map[string]time.Time
	lastRequestMu sync.Mutex
	defaultDelay  time.Duration // Used when ApplyDelay gets a non-positive delay
	log           *logrus.Entry
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(defaultDelay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		lastRequest:  make(map[string]time.Time),
		defaultDelay: defaultDelay,
		log:          log,
	}
}

// ApplyDelay sleeps until minDelay (+/-10% jitter) has passed since the last recorded
// request for key. Returns ctx.Err() if ctx ends first.
func (rl *RateLimiter) ApplyDelay(ctx context.Context, key string, minDelay time.Duration) error {
	if minDelay <= 0 {
		minDelay = rl.defaultDelay
	}
	if minDelay <= 0 {
		return ctx.Err()
	}

	rl.lastRequestMu.Lock()
	last, exists := rl.lastRequest[key]
	rl.lastRequestMu.Unlock()
	if !exists {
		return ctx.Err()
	}

	elapsed := time.Since(last)
	if elapsed >= minDelay {
		return ctx.Err()
	}
	sleep := minDelay - elapsed
	if jitterRange := int64(sleep) / 5; jitterRange > 0 {
		sleep += time.Duration(rand.Int63n(jitterRange)) - sleep/10
	}
	if sleep <= 0 {
		return ctx.Err()
	}

	rl.log.WithFields(logrus.Fields{
		"key": key, "sleep": sleep, "required_delay": minDelay, "elapsed": elapsed,
	}).Debug("Rate limit applying sleep")

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateLastRequestTime records now as the last request time for key.
// Call after each request attempt.
func (rl *RateLimiter) UpdateLastRequestTime(key string) {
	rl.lastRequestMu.Lock()
	rl.lastRequest[key] = time.Now()
	rl.lastRequestMu.Unlock()
}
