package httpclient

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestPacerHalvesOnRateLimit(t *testing.T) {
	p := newPacerSet(10, 8, 0)
	p.RecordRateLimited("a.test", 0)
	if got := p.RateFor("a.test"); got != 4 {
		t.Fatalf("rate after one 429 = %v, want 4", got)
	}
	for i := 0; i < 10; i++ {
		p.RecordRateLimited("a.test", 0)
	}
	if got := p.RateFor("a.test"); got != floorRPS {
		t.Fatalf("rate should floor at %v, got %v", floorRPS, got)
	}
}

func TestPacerRampsAfterSuccessStreak(t *testing.T) {
	p := newPacerSet(10, 8, 0)
	p.RecordRateLimited("b.test", 0)
	start := p.RateFor("b.test")

	for i := 0; i < rampStreak-1; i++ {
		p.RecordSuccess("b.test")
	}
	if got := p.RateFor("b.test"); got != start {
		t.Fatalf("rate moved before the streak completed: %v", got)
	}
	p.RecordSuccess("b.test")
	want := start * rampFactor
	if got := p.RateFor("b.test"); math.Abs(got-want) > 1e-9 {
		t.Fatalf("rate after streak = %v, want %v", got, want)
	}

	// Ramping never exceeds the ceiling.
	for i := 0; i < 40*rampStreak; i++ {
		p.RecordSuccess("b.test")
	}
	if got := p.RateFor("b.test"); got > 8 {
		t.Fatalf("rate %v exceeded ceiling 8", got)
	}
}

func TestPacerRateLimitResetsStreak(t *testing.T) {
	p := newPacerSet(10, 8, 0)
	p.RecordRateLimited("c.test", 0)
	for i := 0; i < rampStreak-1; i++ {
		p.RecordSuccess("c.test")
	}
	p.RecordRateLimited("c.test", 0)
	before := p.RateFor("c.test")
	p.RecordSuccess("c.test")
	if got := p.RateFor("c.test"); got != before {
		t.Fatal("a 429 should reset the success streak")
	}
}

func TestPacerMinIntervalCapsCeiling(t *testing.T) {
	// 100ms minimum interval caps the rate at 10/s regardless of the
	// configured initial rate.
	p := newPacerSet(10, 100, 100)
	if got := p.RateFor("d.test"); got != 10 {
		t.Fatalf("initial rate = %v, want 10", got)
	}
}

func TestPacerPauseBlocksAcquire(t *testing.T) {
	p := newPacerSet(10, 1000, 0)
	p.RecordRateLimited("e.test", 200*time.Millisecond)

	start := time.Now()
	waited, err := p.Acquire(context.Background(), "e.test")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !waited {
		t.Fatal("acquire should report it waited through the pause")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("acquire returned after %v, pause was 200ms", elapsed)
	}
}

func TestPacerAcquireRespectsContext(t *testing.T) {
	p := newPacerSet(10, 1000, 0)
	p.RecordRateLimited("f.test", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, "f.test"); err == nil {
		t.Fatal("acquire should fail when the context ends during a pause")
	}
}

func TestPacerHostsAreIndependent(t *testing.T) {
	p := newPacerSet(10, 8, 0)
	p.RecordRateLimited("slow.test", 0)
	if got := p.RateFor("fast.test"); got != 8 {
		t.Fatalf("unrelated host rate = %v, want 8", got)
	}
}
