package probe

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultBackoffInitial is the pause before the first retry.
	DefaultBackoffInitial = 5 * time.Second

	// DefaultBackoffMax caps backoff growth.
	DefaultBackoffMax = 60 * time.Second

	// DefaultBackoffMultiplier keeps the pause constant between retries. A
	// fixed pause gives fault scenarios a predictable attempt timeline.
	DefaultBackoffMultiplier = 1.0
)

// BackoffConfig customises the retry pause calculation.
type BackoffConfig struct {
	// Initial is the first retry pause.
	Initial time.Duration
	// Max caps pause growth.
	Max time.Duration
	// Multiplier is applied to the pause after every retry; 1 keeps it fixed.
	Multiplier float64
	// Jitter is the maximum random extension as a fraction of the base pause.
	// Zero disables jitter.
	Jitter float64
}

// Backoff computes retry pauses. Safe for concurrent use, though a probe
// drives one request at a time.
type Backoff struct {
	mu sync.Mutex

	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempts   int
	rng        *rand.Rand
}

// NewBackoff creates a backoff calculator. Zero-value config fields fall
// back to the package defaults; a multiplier below 1 is treated as fixed.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultBackoffInitial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoffMax
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultBackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the pause to take before the next retry and advances the
// backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset restores the backoff to its initial pause. Call after a delivered
// request.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of pauses taken since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
