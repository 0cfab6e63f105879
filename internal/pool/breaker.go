package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	breakerMinSamples = 5
	breakerFailRate   = 0.5
	breakerRecovery   = 30 * time.Second
	// breakerWindow resets closed-state counts so old samples age out.
	breakerWindow = 60 * time.Second
)

// breakerSet keeps one circuit breaker per scanner. A scanner that keeps
// failing stops being admitted for the recovery period, then gets a single
// half-open probe.
type breakerSet struct {
	mu  sync.Mutex
	by  map[string]*gobreaker.TwoStepCircuitBreaker
	log *slog.Logger
}

func newBreakerSet(log *slog.Logger) *breakerSet {
	return &breakerSet{by: make(map[string]*gobreaker.TwoStepCircuitBreaker), log: log}
}

func (s *breakerSet) get(scanner string) *gobreaker.TwoStepCircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.by[scanner]
	if !ok {
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        scanner,
			MaxRequests: 1,
			Interval:    breakerWindow,
			Timeout:     breakerRecovery,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				if c.Requests < breakerMinSamples {
					return false
				}
				return float64(c.TotalFailures)/float64(c.Requests) >= breakerFailRate
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.log.Warn("Scanner circuit state changed",
					"scanner", name, "from", from.String(), "to", to.String())
			},
		})
		s.by[scanner] = cb
	}
	return cb
}

// states returns scanner name to breaker state for Stats.
func (s *breakerSet) states() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.by))
	for name, cb := range s.by {
		out[name] = cb.State().String()
	}
	return out
}

// estimator tracks a smoothed duration per scanner, used to skip admitting
// work that cannot finish before its deadline.
type estimator struct {
	mu sync.Mutex
	by map[string]time.Duration
}

const ewmaWeight = 0.2

func newEstimator() *estimator {
	return &estimator{by: make(map[string]time.Duration)}
}

// observe folds a completed run's duration into the scanner's estimate.
func (e *estimator) observe(scanner string, d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.by[scanner]
	if !ok {
		e.by[scanner] = d
		return
	}
	e.by[scanner] = time.Duration(ewmaWeight*float64(d) + (1-ewmaWeight)*float64(prev))
}

// estimate returns the smoothed duration, zero when no run has completed.
func (e *estimator) estimate(scanner string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.by[scanner]
}

// average returns the mean of the per-scanner smoothed durations, zero
// before any run has completed.
func (e *estimator) average() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.by) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range e.by {
		sum += d
	}
	return sum / time.Duration(len(e.by))
}
