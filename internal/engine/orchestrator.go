package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/events"
	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/internal/pool"
	"github.com/CosmoTheDev/webscan-engine/internal/scanner"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// cancelGrace is how long a finishing scan waits for cancelled tasks to
// come home before it marks the stragglers and moves on.
const cancelGrace = 2 * time.Second

type finishMode int

const (
	finishNormal finishMode = iota
	finishCancelled
	finishDeadline
	finishFailed
)

// scanRun is one scan's execution context: the state, its bus, and the
// orchestration bookkeeping. Everything outside state and bus is owned by
// the run loop goroutine; callbacks from the pool only touch the state,
// the bus, and the channels.
type scanRun struct {
	state *scanState
	bus   *events.Bus

	scanners   map[stage][]scanner.Scanner
	stageNames map[stage][]string
	perScanner time.Duration
	scanMax    int
	staged     bool

	outcomes chan pool.Outcome
	nudge    chan struct{}
	cancelCh chan struct{}
	done     chan struct{}

	cancelOnce sync.Once
	phaseOnce  sync.Once

	// run-loop-owned scheduling state
	submitted map[stage]bool
	heldB     []scanner.Scanner
	taskIDs   map[stage][]string
	tailFired bool
}

func (r *scanRun) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// wake nudges the run loop to re-evaluate stage admission. Never blocks.
func (r *scanRun) wake() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// run drives one scan from accepted to terminal. It owns all stage
// admission decisions and is the only goroutine that resolves sub-scans
// from pool outcomes, so event ordering per scanner needs no further
// coordination.
func (e *Engine) run(r *scanRun) {
	defer close(r.done)
	st := r.state

	st.markRunning()
	r.bus.Publish(events.TypeScanStarted, events.ScanStartedData{Target: st.target.Raw, TotalModules: st.total})
	r.bus.Publish(events.TypeScanPhase, events.ScanPhaseData{Phase: models.PhaseInitializing})
	e.publishProgress(r)

	e.log.Info("Scan started",
		"scan", st.id,
		"target", st.target.Origin,
		"type", st.request.ScanType,
		"modules", st.total,
		"deadline_s", int(time.Until(st.deadline)/time.Second),
	)

	if r.staged {
		if len(r.scanners[stageA]) > 0 {
			e.submitStage(r, stageA)
		} else {
			r.submitted[stageA] = true
		}
		e.evaluateStages(r)
	} else {
		for sg, list := range r.scanners {
			for _, sc := range list {
				e.submitScanner(r, sc, sg)
			}
			r.submitted[sg] = true
		}
	}
	if st.allTerminal() {
		// Nothing was admitted: the pool refused every task during
		// shutdown. That is an engine initialization failure, not a
		// scan result.
		e.finish(r, finishFailed)
		return
	}

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	deadlineT := time.NewTimer(time.Until(st.deadline))
	defer deadlineT.Stop()
	tailT := time.NewTimer(time.Until(st.deadline.Add(-stageCMinBudget)))
	defer tailT.Stop()

	for {
		select {
		case out := <-r.outcomes:
			e.applyOutcome(r, out)
			if st.allTerminal() {
				e.finish(r, finishNormal)
				return
			}
			e.evaluateStages(r)
		case <-r.nudge:
			e.evaluateStages(r)
			if st.allTerminal() {
				e.finish(r, finishNormal)
				return
			}
		case <-heartbeat.C:
			e.publishProgress(r)
		case <-tailT.C:
			e.shedProbing(r)
			if st.allTerminal() {
				e.finish(r, finishNormal)
				return
			}
		case <-deadlineT.C:
			e.finish(r, finishDeadline)
			return
		case <-r.cancelCh:
			e.finish(r, finishCancelled)
			return
		}
	}
}

// evaluateStages opens the analysis and probing windows once their gates
// clear. Analysis waits for discovery to finish or for the crawl to visit
// enough URLs; probing additionally needs something worth probing and a
// workable slice of the budget.
func (e *Engine) evaluateStages(r *scanRun) {
	if !r.staged {
		return
	}
	st := r.state

	if !r.submitted[stageB] && len(r.scanners[stageB]) > 0 {
		aDone := len(r.stageNames[stageA]) == 0 || st.allTerminalOf(r.stageNames[stageA])
		if aDone || st.visitedCount() >= stageBEarlyPages {
			e.submitStage(r, stageB)
		}
	}

	// Scanners that read the inventory are held back from an early-opened
	// analysis window until the crawl result lands.
	if len(r.heldB) > 0 {
		aDone := st.allTerminalOf(r.stageNames[stageA])
		if st.inventoryRef() != nil || aDone {
			held := r.heldB
			r.heldB = nil
			for _, sc := range held {
				e.submitScanner(r, sc, stageB)
			}
		}
	}

	if !r.submitted[stageC] && len(r.scanners[stageC]) > 0 && !r.tailFired {
		earlier := len(r.stageNames[stageA]) + len(r.stageNames[stageB])
		remaining := time.Until(st.deadline)
		switch {
		case earlier == 0:
			// A probing-only custom scan has nothing to gate on.
			e.submitStage(r, stageC)
		case remaining < stageCMinBudget:
			e.skipStage(r, stageC, models.ErrDeadline, "remaining budget below the probing floor")
		case st.hasProbeSignals():
			e.submitStage(r, stageC)
		case st.allTerminalOf(r.stageNames[stageA]) && st.allTerminalOf(r.stageNames[stageB]):
			e.skipStage(r, stageC, models.ErrCancelled, "no forms or parameterized URLs discovered")
		}
	}
}

func (e *Engine) submitStage(r *scanRun, sg stage) {
	r.submitted[sg] = true
	aPending := len(r.stageNames[stageA]) > 0 && !r.state.allTerminalOf(r.stageNames[stageA])
	for _, sc := range r.scanners[sg] {
		if sg == stageB && sc.Metadata().NeedsInventory && r.state.inventoryRef() == nil && aPending {
			r.heldB = append(r.heldB, sc)
			continue
		}
		e.submitScanner(r, sc, sg)
	}
}

func (e *Engine) submitScanner(r *scanRun, sc scanner.Scanner, sg stage) {
	st := r.state
	name := sc.Name()
	now := time.Now()

	deadline := st.deadline
	if r.staged {
		if d := now.Add(sg.cap()); d.Before(deadline) {
			deadline = d
		}
	}
	if d := now.Add(r.perScanner); d.Before(deadline) {
		deadline = d
	}

	taskID := st.id + ":" + name
	task := pool.Task{
		ID:       taskID,
		ScanID:   st.id,
		Scanner:  name,
		Host:     st.target.Host,
		Priority: r.taskPriority(sg),
		Deadline: deadline,
		ScanMax:  r.scanMax,
		Run:      e.taskBody(r, sc, name),
		OnStart: func() {
			if !st.moduleRunning(name) {
				return
			}
			r.phaseOnce.Do(func() {
				st.setPhase(models.PhaseRunning)
				r.bus.Publish(events.TypeScanPhase, events.ScanPhaseData{Phase: models.PhaseRunning})
			})
			r.bus.Publish(events.TypeModuleStatus, events.ModuleStatusData{Name: name, Status: models.SubScanRunning})
		},
		OnDone: func(out pool.Outcome) { r.outcomes <- out },
	}

	if err := e.pool.Submit(context.Background(), task); err != nil {
		e.log.Warn("Task submission rejected", "scan", st.id, "scanner", name, "error", err)
		kind := models.ErrInternal
		if errors.Is(err, pool.ErrClosed) {
			kind = models.ErrCancelled
		}
		e.resolveAndPublish(r, name, models.SubScanFailed, &models.ScanError{Kind: kind, Message: "could not schedule scanner: " + err.Error()})
		return
	}
	r.taskIDs[sg] = append(r.taskIDs[sg], taskID)
}

func (r *scanRun) taskPriority(sg stage) int {
	if !r.staged {
		return unstagedPriority
	}
	return sg.priority()
}

// taskBody builds the pool task closure for one scanner. Inventory and
// signals are picked up at dispatch time, not submit time, so tasks
// admitted early still see everything recon merged before they started.
func (e *Engine) taskBody(r *scanRun, sc scanner.Scanner, name string) func(ctx context.Context) error {
	st := r.state
	return func(ctx context.Context) error {
		in := &scanner.Input{
			Target:           st.target,
			Client:           e.client,
			Inventory:        st.inventoryRef(),
			Signals:          st.signalsRef(),
			EvidenceMaxBytes: e.cfg.Scan.EvidenceMaxBytes,
			OnURL: func(u string) {
				r.bus.Publish(events.TypeCurrentTargetURL, events.CurrentTargetURLData{URL: u})
				if st.noteURL(u) {
					r.wake()
				}
			},
		}
		res, err := sc.Run(ctx, in)
		if res != nil {
			for _, f := range st.ingest(name, res) {
				r.bus.Publish(events.TypeNewFinding, events.NewFindingData{Finding: f})
			}
			if res.Inventory != nil || res.Signals != nil {
				r.wake()
			}
		}
		if err != nil {
			return toScanError(err)
		}
		return nil
	}
}

// applyOutcome resolves a sub-scan from its pool outcome and publishes the
// terminal module status plus a fresh progress reading.
func (e *Engine) applyOutcome(r *scanRun, out pool.Outcome) {
	sub, applied := r.state.resolveModule(out.Scanner, out.Status, out.Err, out.Duration)
	if !applied {
		return
	}
	fc := sub.FindingsCount
	r.bus.Publish(events.TypeModuleStatus, events.ModuleStatusData{
		Name:          out.Scanner,
		Status:        sub.Status,
		Error:         sub.Error,
		FindingsCount: &fc,
	})
	e.publishProgress(r)
	if sub.Error != nil {
		e.log.Warn("Scanner finished with error",
			"scan", r.state.id, "scanner", out.Scanner, "status", sub.Status, "error", sub.Error)
	} else {
		e.log.Debug("Scanner finished",
			"scan", r.state.id, "scanner", out.Scanner, "findings", sub.FindingsCount, "duration", out.Duration)
	}
}

// resolveAndPublish terminally resolves a sub-scan that never reached the
// pool, or never will again, and publishes its terminal status.
func (e *Engine) resolveAndPublish(r *scanRun, name string, status models.SubScanStatus, scanErr *models.ScanError) {
	sub, applied := r.state.resolveModule(name, status, scanErr, 0)
	if !applied {
		return
	}
	fc := sub.FindingsCount
	r.bus.Publish(events.TypeModuleStatus, events.ModuleStatusData{
		Name:          name,
		Status:        sub.Status,
		Error:         sub.Error,
		FindingsCount: &fc,
	})
}

// skipStage resolves every pending scanner of a stage without running it.
func (e *Engine) skipStage(r *scanRun, sg stage, kind models.ErrorKind, msg string) {
	r.submitted[sg] = true
	for _, name := range r.stageNames[sg] {
		e.resolveAndPublish(r, name, models.SubScanCancelled, &models.ScanError{Kind: kind, Message: msg})
	}
	e.publishProgress(r)
	e.log.Info("Stage skipped", "scan", r.state.id, "stage", sg.String(), "reason", msg)
}

// shedProbing fires when the budget drops to the probing floor: running
// probing tasks are cancelled and an unopened probing window stays shut.
// Probing-only scans are exempt; the floor exists to protect the other
// stages' results, and they have none.
func (e *Engine) shedProbing(r *scanRun) {
	if !r.staged || r.tailFired {
		return
	}
	r.tailFired = true
	if len(r.scanners[stageC]) == 0 {
		return
	}
	if len(r.stageNames[stageA])+len(r.stageNames[stageB]) == 0 {
		return
	}
	if !r.submitted[stageC] {
		e.skipStage(r, stageC, models.ErrDeadline, "remaining budget below the probing floor")
		return
	}
	n := 0
	for _, id := range r.taskIDs[stageC] {
		if e.pool.Cancel(id) {
			n++
		}
	}
	if n > 0 {
		e.log.Info("Probing tasks shed at the budget floor", "scan", r.state.id, "cancelled", n)
	}
}

func (e *Engine) publishProgress(r *scanRun) {
	data := r.state.progressData(r.perScanner, time.Now())
	r.bus.Publish(events.TypeScanProgress, data)
}

// finish drives a scan to its terminal state and emits the final events.
// Exactly one call wins the race between completion, cancellation, and
// deadline expiry because the run loop returns right after calling it.
func (e *Engine) finish(r *scanRun, mode finishMode) {
	st := r.state

	if mode == finishCancelled || mode == finishDeadline {
		kind := models.ErrCancelled
		msg := "scan cancelled"
		if mode == finishDeadline {
			kind = models.ErrDeadline
			msg = "scan deadline expired"
		}
		// Stages that never reached the pool resolve here; everything in
		// the pool gets cancelled and reports back through its outcome.
		for sg, names := range r.stageNames {
			if r.submitted[sg] {
				continue
			}
			for _, name := range names {
				e.resolveAndPublish(r, name, models.SubScanCancelled, &models.ScanError{Kind: kind, Message: msg})
			}
		}
		for _, sc := range r.heldB {
			e.resolveAndPublish(r, sc.Name(), models.SubScanCancelled, &models.ScanError{Kind: kind, Message: msg})
		}
		r.heldB = nil
		e.pool.CancelScan(st.id)
		e.drainOutcomes(r)
	}

	if mode == finishFailed {
		for _, names := range r.stageNames {
			for _, name := range names {
				e.resolveAndPublish(r, name, models.SubScanFailed, &models.ScanError{Kind: models.ErrInternal, Message: "engine could not start the scan"})
			}
		}
	}

	status := models.ScanCompleted
	phase := models.PhaseCompleted
	deadlineExceeded := false
	switch mode {
	case finishCancelled:
		status, phase = models.ScanCancelled, models.PhaseCancelled
	case finishDeadline:
		// Partial results are still results, even when empty; failed is
		// reserved for scans the engine could not run at all.
		deadlineExceeded = true
	case finishFailed:
		status, phase = models.ScanFailed, models.PhaseFailed
	}

	if mode == finishNormal || mode == finishDeadline {
		st.setPhase(models.PhaseAggregating)
		r.bus.Publish(events.TypeScanPhase, events.ScanPhaseData{Phase: models.PhaseAggregating})
	}
	e.publishProgress(r)

	st.finalize(status, phase, deadlineExceeded)
	r.bus.Publish(events.TypeScanPhase, events.ScanPhaseData{Phase: phase})
	sum := st.summary()
	r.bus.Publish(events.TypeScanCompleted, events.ScanCompletedData{Summary: sum, Counters: sum.Counters})
	r.bus.Close()

	e.log.Info("Scan finished",
		"scan", st.id,
		"status", status,
		"findings", sum.FindingsTotal,
		"modules_completed", sum.ModulesCompleted,
		"modules_total", sum.ModulesTotal,
		"duration_ms", sum.DurationMs,
		"deadline_exceeded", deadlineExceeded,
	)
	e.retire(r)
}

// drainOutcomes waits for cancelled tasks to report back, up to the grace
// period. Stragglers that ignore cancellation are resolved in place; their
// late outcomes hit the first-wins guard and vanish.
func (e *Engine) drainOutcomes(r *scanRun) {
	timer := time.NewTimer(cancelGrace)
	defer timer.Stop()
	for !r.state.allTerminal() {
		select {
		case out := <-r.outcomes:
			e.applyOutcome(r, out)
		case <-timer.C:
			for _, name := range r.state.nonTerminal() {
				e.resolveAndPublish(r, name, models.SubScanCancelled, &models.ScanError{Kind: models.ErrCancelled, Message: "did not stop within the cancellation grace"})
			}
			return
		}
	}
}

// toScanError classifies a scanner's returned error for its sub-scan
// record. Fabric errors keep their wire-level kind; context errors map to
// timeout and cancelled; anything else is internal.
func toScanError(err error) *models.ScanError {
	var se *models.ScanError
	if errors.As(err, &se) {
		return se
	}
	var fe *httpclient.Error
	if errors.As(err, &fe) {
		kind := models.ErrTransport
		switch fe.Kind {
		case httpclient.KindEgressBlocked:
			kind = models.ErrEgressBlocked
		case httpclient.KindTimeout:
			kind = models.ErrTimeout
		case httpclient.KindCancelled:
			kind = models.ErrCancelled
		}
		return &models.ScanError{Kind: kind, Message: err.Error()}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &models.ScanError{Kind: models.ErrTimeout, Message: "scanner deadline exceeded"}
	case errors.Is(err, context.Canceled):
		return &models.ScanError{Kind: models.ErrCancelled, Message: "scanner cancelled"}
	}
	return &models.ScanError{Kind: models.ErrInternal, Message: err.Error()}
}
