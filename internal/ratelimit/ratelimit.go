package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit open")

// Key identifies one independent request budget. Every (platform, location)
// pair gets its own token bucket, backoff window and breaker.
type Key struct {
	Platform string
	Location string
}

// Config holds the throttling policy. Thresholds are configuration, not
// constants; defaults are conservative.
type Config struct {
	Burst            int
	RefillInterval   time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BreakerThreshold int
	CoolDown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Burst:            3,
		RefillInterval:   2 * time.Second,
		BackoffBase:      2 * time.Second,
		BackoffCap:       5 * time.Minute,
		BreakerThreshold: 3,
		CoolDown:         30 * time.Second,
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type bucket struct {
	tokens      int
	lastRefill  time.Time
	failures    int
	delay       time.Duration
	notBefore   time.Time
	breaker     breakerState
	openedAt    time.Time
	coolDown    time.Duration
	probeInuse  bool
}

// Controller throttles outbound requests per key and reacts to anti-bot
// signals with escalating backoff and circuit breaking. The orchestrator
// consults it before every adapter call.
type Controller struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[Key]*bucket
	now     func() time.Time
	jitter  func(max time.Duration) time.Duration
}

func NewController(cfg Config) *Controller {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.BreakerThreshold < 1 {
		cfg.BreakerThreshold = 1
	}
	return &Controller{
		cfg:     cfg,
		buckets: make(map[Key]*bucket),
		now:     time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

func (c *Controller) bucketFor(k Key) *bucket {
	b, ok := c.buckets[k]
	if !ok {
		b = &bucket{
			tokens:     c.cfg.Burst,
			lastRefill: c.now(),
			coolDown:   c.cfg.CoolDown,
		}
		c.buckets[k] = b
	}
	return b
}

// Acquire blocks until the key's bucket has a token and any backoff window
// has passed, or fails immediately with ErrCircuitOpen while the breaker is
// open. When the cool-down has elapsed it half-opens and admits a single
// probe; the probe's RecordSuccess / RecordFailure decides what happens next.
func (c *Controller) Acquire(ctx context.Context, k Key) error {
	for {
		c.mu.Lock()
		b := c.bucketFor(k)

		switch b.breaker {
		case breakerOpen:
			if c.now().Sub(b.openedAt) < b.coolDown {
				c.mu.Unlock()
				return ErrCircuitOpen
			}
			b.breaker = breakerHalfOpen
			b.probeInuse = false
			fallthrough
		case breakerHalfOpen:
			if b.probeInuse {
				c.mu.Unlock()
				return ErrCircuitOpen
			}
			b.probeInuse = true
			c.mu.Unlock()
			return nil
		}

		c.refill(b)

		wait := time.Duration(0)
		if now := c.now(); now.Before(b.notBefore) {
			wait = b.notBefore.Sub(now)
		}
		if wait == 0 && b.tokens > 0 {
			b.tokens--
			c.mu.Unlock()
			return nil
		}
		if wait == 0 {
			wait = c.cfg.RefillInterval
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RecordSuccess resets the key's failure streak and closes its breaker.
func (c *Controller) RecordSuccess(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(k)
	b.failures = 0
	b.delay = 0
	b.notBefore = time.Time{}
	b.breaker = breakerClosed
	b.probeInuse = false
	b.coolDown = c.cfg.CoolDown
}

// RecordFailure registers an anti-bot signal: the next backoff window doubles
// up to the cap (plus jitter), and the breaker opens once the consecutive
// failure count reaches the threshold. A failed half-open probe re-opens the
// breaker with a longer cool-down.
func (c *Controller) RecordFailure(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(k)
	b.failures++

	if b.delay == 0 {
		b.delay = c.cfg.BackoffBase
	} else if b.delay < c.cfg.BackoffCap {
		b.delay *= 2
	}
	if b.delay > c.cfg.BackoffCap {
		b.delay = c.cfg.BackoffCap
	}

	pause := b.delay
	if pause < c.cfg.BackoffCap {
		pause += c.jitter(b.delay / 4)
		if pause > c.cfg.BackoffCap {
			pause = c.cfg.BackoffCap
		}
	}
	b.notBefore = c.now().Add(pause)

	if b.breaker == breakerHalfOpen {
		b.breaker = breakerOpen
		b.openedAt = c.now()
		b.coolDown *= 2
		b.probeInuse = false
		return
	}

	if b.failures >= c.cfg.BreakerThreshold {
		b.breaker = breakerOpen
		b.openedAt = c.now()
	}
}

// Delay reports the key's current backoff window. Zero means unthrottled.
func (c *Controller) Delay(k Key) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bucketFor(k).delay
}

// Open reports whether the key's breaker is currently open.
func (c *Controller) Open(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucketFor(k)
	return b.breaker == breakerOpen && c.now().Sub(b.openedAt) < b.coolDown
}

func (c *Controller) refill(b *bucket) {
	if c.cfg.RefillInterval <= 0 {
		b.tokens = c.cfg.Burst
		return
	}
	elapsed := c.now().Sub(b.lastRefill)
	add := int(elapsed / c.cfg.RefillInterval)
	if add > 0 {
		b.tokens += add
		if b.tokens > c.cfg.Burst {
			b.tokens = c.cfg.Burst
		}
		b.lastRefill = c.now()
	}
}
