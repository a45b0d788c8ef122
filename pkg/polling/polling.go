// Package polling computes adaptive poll delays: exponential backoff with
// jitter, reset to the minimum whenever new data arrives. It is shared by
// the stream manager's cancellation-detection loop and its chunk-tailing
// loop, each with an independently tuned policy.
package polling

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults applied by Config.Normalize for unset or out-of-range fields.
const (
	DefaultMin        = 50 * time.Millisecond
	DefaultMax        = 2 * time.Second
	DefaultMultiplier = 1.5
	DefaultJitter     = 0.1
)

// Config is the immutable backoff policy.
type Config struct {
	// Min is the initial and smallest delay.
	Min time.Duration

	// Max clamps the grown delay.
	Max time.Duration

	// Multiplier grows the delay after each idle poll. Must be >= 1.
	Multiplier float64

	// JitterRatio randomizes each sleep within ± current*JitterRatio.
	// Must be in [0, 1].
	JitterRatio float64
}

// Normalize returns a copy of the config with non-finite or out-of-range
// fields clamped to safe defaults. All constructors normalize, so a
// zero-value or garbage Config never produces a busy loop or a negative
// sleep.
func (c Config) Normalize() Config {
	if c.Min <= 0 {
		c.Min = DefaultMin
	}
	if c.Max < c.Min {
		c.Max = maxDuration(DefaultMax, c.Min)
	}
	if math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) || c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if math.IsNaN(c.JitterRatio) || math.IsInf(c.JitterRatio, 0) || c.JitterRatio < 0 {
		c.JitterRatio = DefaultJitter
	}
	if c.JitterRatio > 1 {
		c.JitterRatio = 1
	}
	return c
}

// Backoff is the small mutable cursor over a Config: the current delay.
// One Backoff belongs to one polling loop; it is not safe for concurrent
// use.
type Backoff struct {
	cfg     Config
	current time.Duration
}

// New creates a Backoff at the policy's minimum delay.
func New(cfg Config) *Backoff {
	cfg = cfg.Normalize()
	return &Backoff{
		cfg:     cfg,
		current: cfg.Min,
	}
}

// Next returns the actual sleep duration for this poll — the current delay
// randomized within ± current*JitterRatio, clamped to [Min, Max] — and
// advances the current delay by the multiplier.
func (b *Backoff) Next() time.Duration {
	sleep := b.jitter(b.current)

	grown := time.Duration(float64(b.current) * b.cfg.Multiplier)
	b.current = clampDuration(grown, b.cfg.Min, b.cfg.Max)

	return sleep
}

// Reset returns the current delay to the policy minimum. Called whenever a
// poll finds new data so bursty production feels responsive.
func (b *Backoff) Reset() {
	b.current = b.cfg.Min
}

// Current exposes the un-jittered current delay, mainly for tests and
// logging.
func (b *Backoff) Current() time.Duration {
	return b.current
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.cfg.JitterRatio == 0 {
		return clampDuration(d, b.cfg.Min, b.cfg.Max)
	}

	// Uniform in [-1, 1).
	offset := (rand.Float64()*2 - 1) * b.cfg.JitterRatio * float64(d)
	return clampDuration(d+time.Duration(offset), b.cfg.Min, b.cfg.Max)
}

// Sleep suspends for d but wakes immediately when ctx is cancelled,
// returning ctx.Err(). Both polling loops suspend through this so a pending
// sleep never blocks shutdown.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
