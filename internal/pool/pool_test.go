package pool

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CosmoTheDev/webscan-engine/models"
)

func testPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := New(opts)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task outcome")
		return Outcome{}
	}
}

func TestRunsSubmittedTasks(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 4, PerHostMax: 4})
	outcomes := make(chan Outcome, 5)
	for i := 0; i < 5; i++ {
		err := p.Submit(context.Background(), Task{
			ID:       "t" + strconv.Itoa(i),
			ScanID:   "scan-1",
			Scanner:  "headers",
			Host:     "example.com",
			Priority: 5,
			Run:      func(ctx context.Context) error { return nil },
			OnDone:   func(o Outcome) { outcomes <- o },
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		o := waitOutcome(t, outcomes)
		if o.Status != models.SubScanCompleted {
			t.Fatalf("outcome %d status = %s", i, o.Status)
		}
	}
	if s := p.Stats(); s.Completed != 5 || s.Running != 0 || s.Queued != 0 {
		t.Fatalf("stats after drain: %+v", s)
	}
}

func TestStatsReportsAvgLatency(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 2, PerHostMax: 2})
	if s := p.Stats(); s.AvgLatencyMs != 0 {
		t.Fatalf("avg latency before any run = %v, want 0", s.AvgLatencyMs)
	}

	outcomes := make(chan Outcome, 1)
	err := p.Submit(context.Background(), Task{
		ID:      "t1",
		ScanID:  "scan-1",
		Scanner: "headers",
		Host:    "example.com",
		Run: func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		},
		OnDone: func(o Outcome) { outcomes <- o },
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitOutcome(t, outcomes)

	if s := p.Stats(); s.AvgLatencyMs <= 0 {
		t.Fatalf("avg latency after a completed run = %v, want > 0", s.AvgLatencyMs)
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	const maxRunning = 3
	p := testPool(t, Options{MaxConcurrent: maxRunning, PerHostMax: 10})

	var cur, peak atomic.Int64
	outcomes := make(chan Outcome, 12)
	for i := 0; i < 12; i++ {
		err := p.Submit(context.Background(), Task{
			ID:      "g" + strconv.Itoa(i),
			Scanner: "headers",
			Host:    "h" + strconv.Itoa(i%4) + ".test",
			Run: func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				cur.Add(-1)
				return nil
			},
			OnDone: func(o Outcome) { outcomes <- o },
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i := 0; i < 12; i++ {
		waitOutcome(t, outcomes)
	}
	if got := peak.Load(); got > maxRunning {
		t.Fatalf("peak concurrency %d exceeded cap %d", got, maxRunning)
	}
}

func TestPerHostCap(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 10, PerHostMax: 2})

	var cur, peak atomic.Int64
	outcomes := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		err := p.Submit(context.Background(), Task{
			ID:      "h" + strconv.Itoa(i),
			Scanner: "headers",
			Host:    "same.test",
			Run: func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				cur.Add(-1)
				return nil
			},
			OnDone: func(o Outcome) { outcomes <- o },
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i := 0; i < 8; i++ {
		waitOutcome(t, outcomes)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak per-host concurrency %d exceeded cap 2", got)
	}
}

func TestSaturatedHostDoesNotStarveOthers(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 10, PerHostMax: 1})

	blockerGate := make(chan struct{})
	started := make(chan string, 4)
	outcomes := make(chan Outcome, 4)

	submit := func(id, host string, run func(ctx context.Context) error) {
		t.Helper()
		err := p.Submit(context.Background(), Task{
			ID: id, Scanner: "headers", Host: host,
			OnStart: func() { started <- id },
			Run:     run,
			OnDone:  func(o Outcome) { outcomes <- o },
		})
		if err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	submit("a-blocker", "a.test", func(ctx context.Context) error {
		<-blockerGate
		return nil
	})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never started")
	}

	// a.test is saturated; b.test work must still be admitted.
	submit("a-waiter", "a.test", func(ctx context.Context) error { return nil })
	submit("b-free", "b.test", func(ctx context.Context) error { return nil })

	select {
	case id := <-started:
		if id != "b-free" {
			t.Fatalf("started %q while its host was saturated", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task on the free host was never admitted")
	}

	close(blockerGate)
	for i := 0; i < 3; i++ {
		waitOutcome(t, outcomes)
	}
}

func TestPriorityOrderWithFIFOTie(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 1, PerHostMax: 6})

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	outcomes := make(chan Outcome, 6)

	submit := func(id string, prio int) {
		t.Helper()
		err := p.Submit(context.Background(), Task{
			ID: id, Scanner: "headers", Host: "p.test", Priority: prio,
			OnStart: func() {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			},
			Run:    func(ctx context.Context) error { return nil },
			OnDone: func(o Outcome) { outcomes <- o },
		})
		if err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	blockerStarted := make(chan struct{})
	if err := p.Submit(context.Background(), Task{
		ID: "blocker", Scanner: "headers", Host: "p.test", Priority: 10,
		OnStart: func() { close(blockerStarted) },
		Run: func(ctx context.Context) error {
			<-gate
			return nil
		},
		OnDone: func(o Outcome) { outcomes <- o },
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-blockerStarted

	submit("low", 1)
	submit("mid-first", 5)
	submit("mid-second", 5)
	submit("high", 9)
	time.Sleep(30 * time.Millisecond) // let all four queue behind the blocker
	close(gate)

	for i := 0; i < 5; i++ {
		waitOutcome(t, outcomes)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "mid-first", "mid-second", "low"}
	if len(order) != len(want) {
		t.Fatalf("started order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("started order = %v, want %v", order, want)
		}
	}
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 1, PerHostMax: 6})

	gate := make(chan struct{})
	defer close(gate)
	blockerStarted := make(chan struct{})
	if err := p.Submit(context.Background(), Task{
		ID: "blocker", Scanner: "headers", Host: "c.test",
		OnStart: func() { close(blockerStarted) },
		Run: func(ctx context.Context) error {
			<-gate
			return nil
		},
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-blockerStarted

	var ran atomic.Bool
	outcome := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "victim", Scanner: "headers", Host: "c.test",
		Run: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
		OnDone: func(o Outcome) { outcome <- o },
	}); err != nil {
		t.Fatalf("submit victim: %v", err)
	}

	if !p.Cancel("victim") {
		t.Fatal("cancel of a queued task should report true")
	}
	o := waitOutcome(t, outcome)
	if o.Status != models.SubScanCancelled {
		t.Fatalf("status = %s, want cancelled", o.Status)
	}
	if o.Err == nil || o.Err.Kind != models.ErrCancelled {
		t.Fatalf("error = %+v, want kind cancelled", o.Err)
	}
	if ran.Load() {
		t.Fatal("cancelled queued task still ran")
	}
}

func TestCancelRunningTask(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 2, PerHostMax: 6})

	started := make(chan struct{})
	outcome := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "runner", ScanID: "scan-9", Scanner: "crawl", Host: "c.test",
		OnStart: func() { close(started) },
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(o Outcome) { outcome <- o },
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	if !p.Cancel("runner") {
		t.Fatal("cancel of a running task should report true")
	}
	o := waitOutcome(t, outcome)
	if o.Status != models.SubScanCancelled {
		t.Fatalf("status = %s, want cancelled", o.Status)
	}
}

func TestCancelScanSweepsAllTasks(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 1, PerHostMax: 6})

	gate := make(chan struct{})
	started := make(chan struct{})
	outcomes := make(chan Outcome, 3)
	if err := p.Submit(context.Background(), Task{
		ID: "s1", ScanID: "scan-7", Scanner: "crawl", Host: "s.test",
		OnStart: func() { close(started) },
		Run: func(ctx context.Context) error {
			select {
			case <-gate:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		OnDone: func(o Outcome) { outcomes <- o },
	}); err != nil {
		t.Fatalf("submit s1: %v", err)
	}
	<-started
	for _, id := range []string{"s2", "s3"} {
		if err := p.Submit(context.Background(), Task{
			ID: id, ScanID: "scan-7", Scanner: "headers", Host: "s.test",
			Run:    func(ctx context.Context) error { return nil },
			OnDone: func(o Outcome) { outcomes <- o },
		}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	if n := p.CancelScan("scan-7"); n != 3 {
		t.Fatalf("cancelled %d tasks, want 3", n)
	}
	for i := 0; i < 3; i++ {
		if o := waitOutcome(t, outcomes); o.Status != models.SubScanCancelled {
			t.Fatalf("outcome status = %s, want cancelled", o.Status)
		}
	}
}

func TestDeadlineAwareAdmissionSkips(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 4, PerHostMax: 6})

	// Prime the duration estimate with a slow completed run.
	primed := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "primer", Scanner: "slowscan", Host: "d.test",
		Run: func(ctx context.Context) error {
			time.Sleep(80 * time.Millisecond)
			return nil
		},
		OnDone: func(o Outcome) { primed <- o },
	}); err != nil {
		t.Fatalf("submit primer: %v", err)
	}
	if o := waitOutcome(t, primed); o.Status != models.SubScanCompleted {
		t.Fatalf("primer status = %s", o.Status)
	}

	var ran atomic.Bool
	outcome := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "doomed", Scanner: "slowscan", Host: "d.test",
		Deadline: time.Now().Add(10 * time.Millisecond),
		Run: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
		OnDone: func(o Outcome) { outcome <- o },
	}); err != nil {
		t.Fatalf("submit doomed: %v", err)
	}

	o := waitOutcome(t, outcome)
	if o.Status != models.SubScanCancelled {
		t.Fatalf("status = %s, want cancelled", o.Status)
	}
	if o.Err == nil || o.Err.Kind != models.ErrDeadline {
		t.Fatalf("error = %+v, want kind deadline", o.Err)
	}
	if ran.Load() {
		t.Fatal("skipped task still ran")
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 1, PerHostMax: 6})

	failTask := func(id string) Outcome {
		t.Helper()
		outcome := make(chan Outcome, 1)
		if err := p.Submit(context.Background(), Task{
			ID: id, Scanner: "flaky", Host: "f.test",
			Run:    func(ctx context.Context) error { return &models.ScanError{Kind: models.ErrTransport, Message: "boom"} },
			OnDone: func(o Outcome) { outcome <- o },
		}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
		return waitOutcome(t, outcome)
	}

	for i := 0; i < 5; i++ {
		if o := failTask("f" + strconv.Itoa(i)); o.Status != models.SubScanFailed {
			t.Fatalf("failure %d status = %s", i, o.Status)
		}
	}

	var ran atomic.Bool
	outcome := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "rejected", Scanner: "flaky", Host: "f.test",
		Run: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
		OnDone: func(o Outcome) { outcome <- o },
	}); err != nil {
		t.Fatalf("submit rejected: %v", err)
	}
	o := waitOutcome(t, outcome)
	if o.Status != models.SubScanFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	if o.Err == nil || o.Err.Kind != models.ErrCircuitOpen {
		t.Fatalf("error = %+v, want kind circuit_open", o.Err)
	}
	if ran.Load() {
		t.Fatal("task ran through an open circuit")
	}
	if state := p.Stats().Breakers["flaky"]; state != "open" {
		t.Fatalf("breaker state = %q, want open", state)
	}
}

func TestPanicBecomesFailedOutcome(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 2, PerHostMax: 6})

	outcome := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "bomb", Scanner: "headers", Host: "x.test",
		Run:    func(ctx context.Context) error { panic("scanner bug") },
		OnDone: func(o Outcome) { outcome <- o },
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o := waitOutcome(t, outcome)
	if o.Status != models.SubScanFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	if o.Err == nil || o.Err.Kind != models.ErrInternal || !strings.Contains(o.Err.Message, "panic") {
		t.Fatalf("error = %+v", o.Err)
	}

	// The pool survives the panic.
	after := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "after", Scanner: "headers", Host: "x.test",
		Run:    func(ctx context.Context) error { return nil },
		OnDone: func(o Outcome) { after <- o },
	}); err != nil {
		t.Fatalf("submit after: %v", err)
	}
	if o := waitOutcome(t, after); o.Status != models.SubScanCompleted {
		t.Fatalf("post-panic task status = %s", o.Status)
	}
}

func TestTimeoutClassification(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 2, PerHostMax: 6})

	outcome := make(chan Outcome, 1)
	if err := p.Submit(context.Background(), Task{
		ID: "slow", Scanner: "crawl", Host: "t.test",
		Deadline: time.Now().Add(40 * time.Millisecond),
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(o Outcome) { outcome <- o },
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o := waitOutcome(t, outcome)
	if o.Status != models.SubScanTimeout {
		t.Fatalf("status = %s, want timeout", o.Status)
	}
	if s := p.Stats(); s.TimedOut != 1 {
		t.Fatalf("timed out count = %d", s.TimedOut)
	}
}

func TestShutdownDrainsQueueAndRejectsSubmit(t *testing.T) {
	p := New(Options{MaxConcurrent: 1, PerHostMax: 6,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	started := make(chan struct{})
	outcomes := make(chan Outcome, 2)
	if err := p.Submit(context.Background(), Task{
		ID: "holder", Scanner: "crawl", Host: "z.test",
		OnStart: func() { close(started) },
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(o Outcome) { outcomes <- o },
	}); err != nil {
		t.Fatalf("submit holder: %v", err)
	}
	<-started
	if err := p.Submit(context.Background(), Task{
		ID: "stuck-in-queue", Scanner: "headers", Host: "z.test",
		Run:    func(ctx context.Context) error { return nil },
		OnDone: func(o Outcome) { outcomes <- o },
	}); err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	doneShutdown := make(chan struct{})
	go func() {
		p.Shutdown(50 * time.Millisecond)
		close(doneShutdown)
	}()

	for i := 0; i < 2; i++ {
		if o := waitOutcome(t, outcomes); o.Status != models.SubScanCancelled {
			t.Fatalf("shutdown outcome status = %s, want cancelled", o.Status)
		}
	}
	select {
	case <-doneShutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never returned")
	}

	if err := p.Submit(context.Background(), Task{
		ID: "late", Scanner: "headers", Host: "z.test",
		Run: func(ctx context.Context) error { return nil },
	}); err != ErrClosed {
		t.Fatalf("submit after shutdown = %v, want ErrClosed", err)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	p := testPool(t, Options{MaxConcurrent: 1, PerHostMax: 6})

	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	if err := p.Submit(context.Background(), Task{
		ID: "dup", Scanner: "crawl", Host: "q.test",
		OnStart: func() { close(started) },
		Run: func(ctx context.Context) error {
			<-gate
			return nil
		},
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := p.Submit(context.Background(), Task{
		ID: "dup", Scanner: "crawl", Host: "q.test",
		Run: func(ctx context.Context) error { return nil },
	}); err == nil {
		t.Fatal("duplicate id should be rejected")
	}
}
