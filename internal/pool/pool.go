package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/CosmoTheDev/webscan-engine/models"
)

const (
	admissionInterval = 10 * time.Millisecond
	memCheckInterval  = time.Second
	// forceWait bounds how long Shutdown waits for tasks that ignore
	// their cancelled context.
	forceWait = 5 * time.Second
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("pool: shut down")

// Task is one unit of scanner work. Priority runs 1 (lowest) to 10; equal
// priorities run in submission order. A zero Deadline means unbounded.
type Task struct {
	ID       string
	ScanID   string
	Scanner  string
	Host     string
	Priority int
	Deadline time.Time
	// ScanMax caps how many tasks of this scan run at once; 0 means the
	// global and per-host caps alone apply.
	ScanMax int
	Run     func(ctx context.Context) error
	// OnStart fires when the task is admitted, before Run.
	OnStart func()
	// OnDone fires exactly once with the terminal outcome, including for
	// tasks that never ran.
	OnDone func(Outcome)
}

// Outcome is a task's terminal result.
type Outcome struct {
	TaskID   string
	ScanID   string
	Scanner  string
	Status   models.SubScanStatus
	Err      *models.ScanError
	Duration time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Queued       int   `json:"queued"`
	Running      int   `json:"running"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Cancelled    int64 `json:"cancelled"`
	TimedOut     int64 `json:"timed_out"`
	EffectiveMax int   `json:"effective_max"`
	Throttled    bool  `json:"throttled"`
	// AvgLatencyMs is the mean of the smoothed per-scanner run durations.
	AvgLatencyMs float64           `json:"avg_latency_ms"`
	PerHost      map[string]int    `json:"per_host"`
	Breakers     map[string]string `json:"breakers"`
}

// Options configures a Pool.
type Options struct {
	MaxConcurrent     int
	PerHostMax        int
	MemorySoftLimitMB int
	Logger            *slog.Logger
}

// Pool admits scanner tasks by priority under a global concurrency cap and
// a per-host cap. Admission skips tasks that cannot finish before their
// deadline, routes every scanner through a circuit breaker, and sheds 25%
// of its capacity while the process sits above the memory soft limit.
type Pool struct {
	opts Options
	log  *slog.Logger

	mu           sync.Mutex
	queue        taskQueue
	queued       map[string]*item
	running      map[string]context.CancelFunc
	byScan       map[string]map[string]struct{}
	hostRunning  map[string]int
	scanRunning  map[string]int
	seq          uint64
	closed       bool
	throttled    bool
	effectiveMax int
	lastMemCheck time.Time

	completedN int64
	failedN    int64
	cancelledN int64
	timedOutN  int64

	wg       sync.WaitGroup
	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	breakers  *breakerSet
	estimates *estimator
}

// New starts a pool and its admission loop.
func New(opts Options) *Pool {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.PerHostMax <= 0 {
		opts.PerHostMax = 6
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pool")
	p := &Pool{
		opts:         opts,
		log:          log,
		queued:       make(map[string]*item),
		running:      make(map[string]context.CancelFunc),
		byScan:       make(map[string]map[string]struct{}),
		hostRunning:  make(map[string]int),
		scanRunning:  make(map[string]int),
		effectiveMax: opts.MaxConcurrent,
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		breakers:     newBreakerSet(log),
		estimates:    newEstimator(),
	}
	go p.loop()
	return p
}

// Submit queues a task. The task's OnDone always fires eventually, even if
// the task is skipped or the pool shuts down first.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if t.ID == "" || t.Run == nil {
		return fmt.Errorf("pool: task needs an id and a run function")
	}
	if t.Priority < 1 {
		t.Priority = 1
	} else if t.Priority > 10 {
		t.Priority = 10
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, dup := p.queued[t.ID]; dup {
		p.mu.Unlock()
		return fmt.Errorf("pool: task %s already queued", t.ID)
	}
	if _, dup := p.running[t.ID]; dup {
		p.mu.Unlock()
		return fmt.Errorf("pool: task %s already running", t.ID)
	}
	p.seq++
	it := &item{task: t, baseCtx: ctx, seq: p.seq}
	p.queue.push(it)
	p.queued[t.ID] = it
	p.trackLocked(t.ScanID, t.ID)
	p.mu.Unlock()

	p.wake()
	return nil
}

// Cancel stops one task. Queued tasks finish as cancelled without running;
// running tasks get their context cancelled. Returns false for unknown ids.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	if it, ok := p.queued[id]; ok {
		p.queue.remove(it.index)
		delete(p.queued, id)
		p.untrackLocked(it.task.ScanID, id)
		p.cancelledN++
		p.mu.Unlock()
		p.emit(it.task, Outcome{
			TaskID:  id,
			ScanID:  it.task.ScanID,
			Scanner: it.task.Scanner,
			Status:  models.SubScanCancelled,
			Err:     &models.ScanError{Kind: models.ErrCancelled, Message: "cancelled before start"},
		})
		return true
	}
	if cancel, ok := p.running[id]; ok {
		p.mu.Unlock()
		cancel()
		return true
	}
	p.mu.Unlock()
	return false
}

// CancelScan cancels every task belonging to a scan and reports how many
// it touched.
func (p *Pool) CancelScan(scanID string) int {
	p.mu.Lock()
	ids := make([]string, 0, len(p.byScan[scanID]))
	for id := range p.byScan[scanID] {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	n := 0
	for _, id := range ids {
		if p.Cancel(id) {
			n++
		}
	}
	return n
}

// Stats snapshots pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Queued:       len(p.queue),
		Running:      len(p.running),
		Completed:    p.completedN,
		Failed:       p.failedN,
		Cancelled:    p.cancelledN,
		TimedOut:     p.timedOutN,
		EffectiveMax: p.effectiveMax,
		Throttled:    p.throttled,
		PerHost:      make(map[string]int, len(p.hostRunning)),
	}
	for h, n := range p.hostRunning {
		s.PerHost[h] = n
	}
	p.mu.Unlock()
	s.AvgLatencyMs = float64(p.estimates.average()) / float64(time.Millisecond)
	s.Breakers = p.breakers.states()
	return s
}

// Shutdown stops admission, cancels everything still queued, and waits up
// to grace for running tasks before cancelling their contexts.
func (p *Pool) Shutdown(grace time.Duration) {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	p.closed = true
	drops := make([]*item, 0, len(p.queue))
	for len(p.queue) > 0 {
		it := p.queue.pop()
		delete(p.queued, it.task.ID)
		p.untrackLocked(it.task.ScanID, it.task.ID)
		p.cancelledN++
		drops = append(drops, it)
	}
	p.mu.Unlock()

	for _, it := range drops {
		p.emit(it.task, Outcome{
			TaskID:  it.task.ID,
			ScanID:  it.task.ScanID,
			Scanner: it.task.Scanner,
			Status:  models.SubScanCancelled,
			Err:     &models.ScanError{Kind: models.ErrCancelled, Message: "pool shutting down"},
		})
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.running))
	for _, c := range p.running {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	select {
	case <-done:
	case <-time.After(forceWait):
		p.mu.Lock()
		stuck := len(p.running)
		p.mu.Unlock()
		p.log.Warn("Tasks ignored cancellation during shutdown", "running", stuck)
	}
}

func (p *Pool) loop() {
	ticker := time.NewTicker(admissionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		case <-p.notify:
		}
		p.admit()
	}
}

type skipped struct {
	task Task
	out  Outcome
}

// admit moves tasks from the queue into execution until the caps bind.
func (p *Pool) admit() {
	p.refreshThrottle()

	var skips []skipped
	p.mu.Lock()
	var deferred []*item
	for len(p.queue) > 0 && len(p.running) < p.effectiveMax {
		it := p.queue.pop()
		delete(p.queued, it.task.ID)
		t := it.task

		if p.hostRunning[t.Host] >= p.opts.PerHostMax {
			deferred = append(deferred, it)
			continue
		}
		if t.ScanMax > 0 && p.scanRunning[t.ScanID] >= t.ScanMax {
			deferred = append(deferred, it)
			continue
		}

		if !t.Deadline.IsZero() {
			est := p.estimates.estimate(t.Scanner)
			now := time.Now()
			if !now.Before(t.Deadline) || (est > 0 && now.Add(est).After(t.Deadline)) {
				p.untrackLocked(t.ScanID, t.ID)
				p.cancelledN++
				skips = append(skips, skipped{task: t, out: Outcome{
					TaskID:  t.ID,
					ScanID:  t.ScanID,
					Scanner: t.Scanner,
					Status:  models.SubScanCancelled,
					Err:     &models.ScanError{Kind: models.ErrDeadline, Message: "not enough time remaining to run"},
				}})
				continue
			}
		}

		release, err := p.breakers.get(t.Scanner).Allow()
		if err != nil {
			p.untrackLocked(t.ScanID, t.ID)
			p.failedN++
			skips = append(skips, skipped{task: t, out: Outcome{
				TaskID:  t.ID,
				ScanID:  t.ScanID,
				Scanner: t.Scanner,
				Status:  models.SubScanFailed,
				Err:     &models.ScanError{Kind: models.ErrCircuitOpen, Message: "scanner circuit open"},
			}})
			continue
		}

		p.startLocked(it, release)
	}
	for _, it := range deferred {
		p.queue.push(it)
		p.queued[it.task.ID] = it
	}
	p.mu.Unlock()

	for _, s := range skips {
		if s.out.Err != nil && s.out.Err.Kind == models.ErrDeadline {
			p.log.Warn("Task skipped, deadline unreachable", "scanner", s.task.Scanner, "task", s.task.ID)
		}
		p.emit(s.task, s.out)
	}
}

// startLocked launches one admitted task. Caller holds p.mu.
func (p *Pool) startLocked(it *item, release func(bool)) {
	t := it.task
	var runCtx context.Context
	if t.Deadline.IsZero() {
		runCtx, it.cancel = context.WithCancel(it.baseCtx)
	} else {
		runCtx, it.cancel = context.WithDeadline(it.baseCtx, t.Deadline)
	}
	p.running[t.ID] = it.cancel
	p.hostRunning[t.Host]++
	p.scanRunning[t.ScanID]++
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer it.cancel()
		if t.OnStart != nil {
			t.OnStart()
		}
		out := p.execute(t, runCtx)
		p.finishRun(it, release, out)
	}()
}

// execute runs the task body and classifies the result. Panics become
// failed outcomes rather than taking the process down.
func (p *Pool) execute(t Task, ctx context.Context) (out Outcome) {
	out = Outcome{TaskID: t.ID, ScanID: t.ScanID, Scanner: t.Scanner}
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			p.log.Error("Task panicked", "scanner", t.Scanner, "task", t.ID, "panic", r)
			out.Status = models.SubScanFailed
			out.Err = &models.ScanError{Kind: models.ErrInternal, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	err := t.Run(ctx)
	out.Status, out.Err = classify(err)
	return out
}

func (p *Pool) finishRun(it *item, release func(bool), out Outcome) {
	t := it.task
	// Cancelled runs are not the scanner's fault and must not trip its
	// breaker.
	release(out.Status == models.SubScanCompleted || out.Status == models.SubScanCancelled)
	if out.Status == models.SubScanCompleted {
		p.estimates.observe(t.Scanner, out.Duration)
	}

	p.mu.Lock()
	delete(p.running, t.ID)
	p.hostRunning[t.Host]--
	if p.hostRunning[t.Host] <= 0 {
		delete(p.hostRunning, t.Host)
	}
	p.scanRunning[t.ScanID]--
	if p.scanRunning[t.ScanID] <= 0 {
		delete(p.scanRunning, t.ScanID)
	}
	p.untrackLocked(t.ScanID, t.ID)
	switch out.Status {
	case models.SubScanCompleted:
		p.completedN++
	case models.SubScanTimeout:
		p.timedOutN++
	case models.SubScanCancelled:
		p.cancelledN++
	default:
		p.failedN++
	}
	p.mu.Unlock()

	p.wake()
	p.emit(t, out)
}

func classify(err error) (models.SubScanStatus, *models.ScanError) {
	if err == nil {
		return models.SubScanCompleted, nil
	}
	var se *models.ScanError
	if errors.As(err, &se) {
		switch se.Kind {
		case models.ErrTimeout, models.ErrDeadline:
			return models.SubScanTimeout, se
		case models.ErrCancelled:
			return models.SubScanCancelled, se
		default:
			return models.SubScanFailed, se
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.SubScanTimeout, &models.ScanError{Kind: models.ErrTimeout, Message: "timed out"}
	case errors.Is(err, context.Canceled):
		return models.SubScanCancelled, &models.ScanError{Kind: models.ErrCancelled, Message: "cancelled"}
	}
	return models.SubScanFailed, &models.ScanError{Kind: models.ErrInternal, Message: err.Error()}
}

// refreshThrottle sheds a quarter of the concurrency budget while heap use
// sits above the soft limit, and restores it once usage drops back.
func (p *Pool) refreshThrottle() {
	if p.opts.MemorySoftLimitMB <= 0 {
		return
	}
	p.mu.Lock()
	if time.Since(p.lastMemCheck) < memCheckInterval {
		p.mu.Unlock()
		return
	}
	p.lastMemCheck = time.Now()
	p.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	over := ms.HeapAlloc > uint64(p.opts.MemorySoftLimitMB)*1024*1024

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case over && !p.throttled:
		p.throttled = true
		p.effectiveMax = throttledMax(p.opts.MaxConcurrent)
		p.log.Warn("Memory soft limit exceeded, shedding concurrency",
			"heap_mb", ms.HeapAlloc/1024/1024, "limit_mb", p.opts.MemorySoftLimitMB,
			"effective_max", p.effectiveMax)
	case !over && p.throttled:
		p.throttled = false
		p.effectiveMax = p.opts.MaxConcurrent
		p.log.Info("Memory back under soft limit, restoring concurrency",
			"effective_max", p.effectiveMax)
	}
}

func throttledMax(max int) int {
	m := max * 3 / 4
	if m < 2 {
		m = 2
	}
	return m
}

func (p *Pool) trackLocked(scanID, taskID string) {
	if scanID == "" {
		return
	}
	set, ok := p.byScan[scanID]
	if !ok {
		set = make(map[string]struct{})
		p.byScan[scanID] = set
	}
	set[taskID] = struct{}{}
}

func (p *Pool) untrackLocked(scanID, taskID string) {
	if set, ok := p.byScan[scanID]; ok {
		delete(set, taskID)
		if len(set) == 0 {
			delete(p.byScan, scanID)
		}
	}
}

func (p *Pool) emit(t Task, out Outcome) {
	if t.OnDone != nil {
		t.OnDone(out)
	}
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
