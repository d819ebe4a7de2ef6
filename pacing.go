package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer produces jittered delays and throttles navigations so the engine
// never hammers a retailer faster than configured.
type Pacer struct {
	mu       sync.Mutex
	rand     *rand.Rand
	settings *Settings
	nav      *rate.Limiter
	sleep    func(context.Context, time.Duration) error
}

func NewPacer(s *Settings) *Pacer {
	limit := rate.Inf
	if s.MinNavigationIntervalMs > 0 {
		limit = rate.Every(time.Duration(s.MinNavigationIntervalMs) * time.Millisecond)
	}
	return &Pacer{
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		settings: s,
		nav:      rate.NewLimiter(limit, 1),
		sleep:    sleepCtx,
	}
}

// Jittered returns base ± jitter, never below floor.
func (p *Pacer) Jittered(base, jitter, floor time.Duration) time.Duration {
	d := base
	if jitter > 0 {
		p.mu.Lock()
		d += time.Duration((p.rand.Float64()*2 - 1) * float64(jitter))
		p.mu.Unlock()
	}
	if d < floor {
		d = floor
	}
	return d
}

// Between returns a uniform duration in [min, max].
func (p *Pacer) Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return min + time.Duration(p.rand.Int63n(int64(max-min)+1))
}

// Intn returns a uniform int in [0, n).
func (p *Pacer) Intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rand.Intn(n)
}

// CycleDelay is the pause between scan cycles.
func (p *Pacer) CycleDelay() time.Duration {
	return p.Jittered(
		secondsToDuration(p.settings.RetryDelay),
		secondsToDuration(p.settings.RetryJitter),
		time.Duration(p.settings.MinCycleDelayMs)*time.Millisecond,
	)
}

// StepDelay is the short human-like pause between flow steps.
func (p *Pacer) StepDelay() time.Duration {
	return p.Between(secondsToDuration(p.settings.MinDelayBetween), secondsToDuration(p.settings.MaxDelayBetween))
}

// Sleep waits for d or until ctx is done.
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) error {
	return p.sleep(ctx, d)
}

// WaitNavigation blocks until another navigation is allowed.
func (p *Pacer) WaitNavigation(ctx context.Context) error {
	return p.nav.Wait(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
