package httpclient

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// floorRPS is the slowest a punished host bucket will refill.
	floorRPS = 0.25
	// rampStreak is how many consecutive successes earn a refill increase.
	rampStreak = 20
	// rampFactor is the per-step refill increase once a host behaves again.
	rampFactor = 1.10
	// slowFactor halves the refill rate after a 429.
	slowFactor = 0.5
)

// pacerSet holds one token bucket per destination host. A host that answers
// 429 gets its bucket paused until the Retry-After deadline and its refill
// rate halved; sustained success ramps the rate back toward the ceiling.
type pacerSet struct {
	mu    sync.Mutex
	hosts map[string]*hostPacer

	burst      int
	initialRPS float64
	ceilingRPS float64
}

type hostPacer struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	rps           float64
	pausedUntil   time.Time
	successStreak int
}

// newPacerSet builds the set. minIntervalMs > 0 floors the pacing interval,
// which caps the effective rate below the configured ceiling.
func newPacerSet(burst int, initialRPS float64, minIntervalMs int) *pacerSet {
	if burst <= 0 {
		burst = 10
	}
	if initialRPS <= 0 {
		initialRPS = 5
	}
	ceiling := initialRPS
	if minIntervalMs > 0 {
		if capped := 1000.0 / float64(minIntervalMs); capped < ceiling {
			ceiling = capped
		}
	}
	if initialRPS > ceiling {
		initialRPS = ceiling
	}
	return &pacerSet{
		hosts:      make(map[string]*hostPacer),
		burst:      burst,
		initialRPS: initialRPS,
		ceilingRPS: ceiling,
	}
}

func (p *pacerSet) host(host string) *hostPacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[host]
	if !ok {
		hp = &hostPacer{
			limiter: rate.NewLimiter(rate.Limit(p.initialRPS), p.burst),
			rps:     p.initialRPS,
		}
		p.hosts[host] = hp
	}
	return hp
}

// Acquire blocks until the host may issue a request. It honors any pause
// set from a Retry-After response first, then takes a bucket token. Returns
// whether the caller actually waited.
func (p *pacerSet) Acquire(ctx context.Context, host string) (bool, error) {
	hp := p.host(host)

	waited := false
	for {
		hp.mu.Lock()
		pause := time.Until(hp.pausedUntil)
		hp.mu.Unlock()
		if pause <= 0 {
			break
		}
		waited = true
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
		}
	}

	res := hp.limiter.Reserve()
	if !res.OK() {
		// Burst misconfiguration; fall back to a plain wait.
		return true, hp.limiter.Wait(ctx)
	}
	delay := res.Delay()
	if delay <= 0 {
		return waited, nil
	}
	waited = true
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return waited, ctx.Err()
	case <-timer.C:
		return waited, nil
	}
}

// RecordSuccess notes a non-rate-limited exchange. Every rampStreak
// consecutive successes raise the refill rate 10%, up to the ceiling.
func (p *pacerSet) RecordSuccess(host string) {
	hp := p.host(host)
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.successStreak++
	if hp.successStreak < rampStreak {
		return
	}
	hp.successStreak = 0
	next := hp.rps * rampFactor
	if next > p.ceilingRPS {
		next = p.ceilingRPS
	}
	if next != hp.rps {
		hp.rps = next
		hp.limiter.SetLimit(rate.Limit(next))
	}
}

// RecordRateLimited halves the host's refill rate (never below floorRPS)
// and, when the server supplied a Retry-After, pauses the bucket until that
// deadline.
func (p *pacerSet) RecordRateLimited(host string, retryAfter time.Duration) {
	hp := p.host(host)
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.successStreak = 0
	next := hp.rps * slowFactor
	if next < floorRPS {
		next = floorRPS
	}
	if next != hp.rps {
		hp.rps = next
		hp.limiter.SetLimit(rate.Limit(next))
	}
	if retryAfter > 0 {
		until := time.Now().Add(retryAfter)
		if until.After(hp.pausedUntil) {
			hp.pausedUntil = until
		}
	}
}

// PauseUntil reports the current pause deadline for a host (zero when none).
func (p *pacerSet) PauseUntil(host string) time.Time {
	hp := p.host(host)
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.pausedUntil
}

// RateFor reports the host's current refill rate (for stats and tests).
func (p *pacerSet) RateFor(host string) float64 {
	hp := p.host(host)
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.rps
}
