// Package engine is the scan orchestrator: it accepts scan requests,
// schedules scanners in staged windows through the shared worker pool,
// streams events per scan, and consolidates findings into a final report.
// One Engine serves the whole process; scans run concurrently under the
// pool's global caps.
package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/events"
	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/internal/pool"
	"github.com/CosmoTheDev/webscan-engine/internal/scanner"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// retainedScans bounds how many terminal scans stay queryable in memory.
// Older ones age out; the gateway's archive is the durable record.
const retainedScans = 128

// Engine owns the process-wide scanning fabric: one HTTP client, one
// worker pool, and the registry of live and recently finished scans.
type Engine struct {
	cfg    *config.Config
	log    *slog.Logger
	client *httpclient.Client
	pool   *pool.Pool

	mu     sync.Mutex
	active map[string]*scanRun
	recent *lru.Cache[string, *scanRun]
	closed bool
}

// MetricsSnapshot is the engine's operational counters: the HTTP fabric
// on one side, the worker pool on the other.
type MetricsSnapshot struct {
	HTTP        httpclient.MetricsSnapshot `json:"http"`
	Concurrency pool.Stats                 `json:"concurrency"`
}

// Results is the consolidated output of a scan: deduped findings sorted by
// severity plus the tallies. Partial while the scan runs, final once it is
// terminal.
type Results struct {
	ScanID           string                `json:"scan_id"`
	Target           string                `json:"target"`
	Status           models.ScanStatus     `json:"status"`
	Findings         []models.Finding      `json:"findings"`
	Counters         models.SeverityCounts `json:"counters"`
	Categories       map[string]int        `json:"categories,omitempty"`
	DeadlineExceeded bool                  `json:"deadline_exceeded,omitempty"`
}

// New builds an engine from configuration. The pool and HTTP client live
// until Shutdown.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	recent, _ := lru.New[string, *scanRun](retainedScans)
	return &Engine{
		cfg:    cfg,
		log:    logger.With("component", "engine"),
		client: httpclient.New(cfg.HTTP, logger),
		pool: pool.New(pool.Options{
			MaxConcurrent:     cfg.Scan.MaxConcurrent,
			PerHostMax:        cfg.Scan.PerHostMaxConcurrency,
			MemorySoftLimitMB: cfg.Scan.MemorySoftLimitMB,
			Logger:            logger,
		}),
		active: make(map[string]*scanRun),
		recent: recent,
	}
}

// StartScan validates the request, registers the scan, and starts its run
// loop. The scan id comes back immediately; everything else arrives
// through GetScan, GetResults, and Subscribe.
func (e *Engine) StartScan(req models.ScanRequest) (string, error) {
	target, err := models.ParseTarget(req.Target)
	if err != nil {
		return "", errInvalid("%v", err)
	}
	if req.ScanType == "" {
		req.ScanType = models.ScanTypeFull
	}
	names, err := resolveScanners(req)
	if err != nil {
		return "", err
	}
	instances, err := scanner.Build(names)
	if err != nil {
		return "", errInvalid("%v", err)
	}
	opts, err := e.effectiveOptions(req.Options)
	if err != nil {
		return "", err
	}

	byStage := make(map[stage][]scanner.Scanner)
	stageNames := make(map[stage][]string)
	for _, sc := range instances {
		sg := stageOf(sc.Metadata())
		byStage[sg] = append(byStage[sg], sc)
		stageNames[sg] = append(stageNames[sg], sc.Name())
	}

	id := uuid.NewString()
	r := &scanRun{
		state:      newScanState(id, target, req, names, time.Now().Add(opts.deadline)),
		bus:        events.NewBus(id, e.cfg.Events.HistoryMax, e.cfg.Events.SubscriberBuffer),
		scanners:   byStage,
		stageNames: stageNames,
		perScanner: opts.perScanner,
		scanMax:    opts.scanMax,
		staged:     e.cfg.Scan.Staged,
		outcomes:   make(chan pool.Outcome, len(names)),
		nudge:      make(chan struct{}, 1),
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
		submitted:  make(map[stage]bool),
		taskIDs:    make(map[stage][]string),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errPrecondition("engine is shutting down")
	}
	e.active[id] = r
	e.mu.Unlock()

	go e.run(r)
	return id, nil
}

// GetScan returns a point-in-time copy of the scan's state.
func (e *Engine) GetScan(scanID string) (models.ScanSnapshot, error) {
	r, err := e.lookup(scanID)
	if err != nil {
		return models.ScanSnapshot{}, err
	}
	return r.state.snapshot(), nil
}

// GetResults returns the scan's consolidated findings and tallies.
func (e *Engine) GetResults(scanID string) (Results, error) {
	r, err := e.lookup(scanID)
	if err != nil {
		return Results{}, err
	}
	snap := r.state.snapshot()
	return Results{
		ScanID:           snap.ScanID,
		Target:           snap.Target.Raw,
		Status:           snap.Status,
		Findings:         r.state.results(),
		Counters:         snap.Counters,
		Categories:       snap.Categories,
		DeadlineExceeded: snap.DeadlineExceeded,
	}, nil
}

// CancelScan stops a running scan and waits for it to reach its terminal
// state. Cancelling a scan that already ended is a no-op success.
func (e *Engine) CancelScan(scanID string) error {
	r, err := e.lookup(scanID)
	if err != nil {
		return err
	}
	if r.state.currentStatus().IsTerminal() {
		return nil
	}
	r.requestCancel()
	select {
	case <-r.done:
	case <-time.After(cancelGrace + time.Second):
		// The run loop is wedged past its own grace; the scan state is
		// already terminal-bound and the caller need not wait further.
	}
	return nil
}

// Subscribe attaches to a scan's event stream: recent history replays
// first, then live events until the scan ends and the queue drains. For a
// finished scan the stream replays what the history ring still holds and
// closes.
func (e *Engine) Subscribe(scanID string) (*events.Subscription, error) {
	r, err := e.lookup(scanID)
	if err != nil {
		return nil, err
	}
	return r.bus.Subscribe(), nil
}

// ListScanners enumerates the registered scanners.
func (e *Engine) ListScanners() []scanner.Metadata {
	return scanner.All()
}

// ListScans snapshots every scan the engine still knows about, newest
// first.
func (e *Engine) ListScans() []models.ScanSnapshot {
	e.mu.Lock()
	runs := make([]*scanRun, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, id := range e.recent.Keys() {
		if r, ok := e.recent.Get(id); ok {
			runs = append(runs, r)
		}
	}

	snaps := make([]models.ScanSnapshot, 0, len(runs))
	for _, r := range runs {
		snaps = append(snaps, r.state.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		ti, tj := snaps[i].StartedAt, snaps[j].StartedAt
		if ti == nil || tj == nil {
			return tj != nil
		}
		return ti.After(*tj)
	})
	return snaps
}

// Metrics snapshots the HTTP fabric and pool counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		HTTP:        e.client.Metrics(),
		Concurrency: e.pool.Stats(),
	}
}

// Shutdown cancels all live scans, waits up to grace for them to finish,
// then tears down the pool and the HTTP client. Idempotent.
func (e *Engine) Shutdown(grace time.Duration) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	runs := make([]*scanRun, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.requestCancel()
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for _, r := range runs {
		select {
		case <-r.done:
			continue
		case <-timer.C:
		}
		break
	}

	e.pool.Shutdown(grace)
	e.client.Close()
	e.log.Info("Engine shut down", "scans_cancelled", len(runs))
}

func (e *Engine) lookup(scanID string) (*scanRun, error) {
	e.mu.Lock()
	r, ok := e.active[scanID]
	e.mu.Unlock()
	if ok {
		return r, nil
	}
	if r, ok := e.recent.Get(scanID); ok {
		return r, nil
	}
	return nil, errNotFound(scanID)
}

// retire moves a finished scan from the live registry into the bounded
// recent set.
func (e *Engine) retire(r *scanRun) {
	e.mu.Lock()
	delete(e.active, r.state.id)
	e.mu.Unlock()
	e.recent.Add(r.state.id, r)
}

// resolveScanners expands a scan type into the scanner names to run.
func resolveScanners(req models.ScanRequest) ([]string, error) {
	switch req.ScanType {
	case models.ScanTypeFull:
		names := scanner.Names()
		if len(names) == 0 {
			return nil, errPrecondition("no scanners registered")
		}
		return names, nil
	case models.ScanTypeQuick:
		var names []string
		for _, md := range scanner.All() {
			if md.Stage != scanner.StageProbing {
				names = append(names, md.Name)
			}
		}
		if len(names) == 0 {
			return nil, errPrecondition("no scanners registered")
		}
		return names, nil
	case models.ScanTypeCustom:
		if len(req.Options.Scanners) == 0 {
			return nil, errInvalid("custom scan needs at least one scanner")
		}
		seen := make(map[string]struct{}, len(req.Options.Scanners))
		names := make([]string, 0, len(req.Options.Scanners))
		for _, name := range req.Options.Scanners {
			if _, dup := seen[name]; dup {
				continue
			}
			if _, ok := scanner.Lookup(name); !ok {
				return nil, errInvalid("unknown scanner %q", name)
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
		return names, nil
	default:
		return nil, errInvalid("unknown scan type %q", req.ScanType)
	}
}

type effectiveOptions struct {
	deadline   time.Duration
	perScanner time.Duration
	scanMax    int
}

// effectiveOptions merges request options with configured defaults. The
// configured values are hard caps: a request can tighten them but never
// exceed them.
func (e *Engine) effectiveOptions(o models.ScanOptions) (effectiveOptions, error) {
	if o.GlobalDeadlineSeconds < 0 || o.PerScannerTimeoutSeconds < 0 ||
		o.MaxConcurrent < 0 || o.PerHostMaxConcurrent < 0 {
		return effectiveOptions{}, errInvalid("scan options must not be negative")
	}

	hardCap := e.cfg.Scan.GlobalHardCapSeconds
	if hardCap <= 0 {
		hardCap = 180
	}
	deadline := o.GlobalDeadlineSeconds
	if deadline == 0 || deadline > hardCap {
		deadline = hardCap
	}

	perCap := e.cfg.Scan.PerScannerCapSeconds
	if perCap <= 0 {
		perCap = 90
	}
	perScanner := o.PerScannerTimeoutSeconds
	if perScanner == 0 || perScanner > perCap {
		perScanner = perCap
	}

	maxConc := e.cfg.Scan.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 16
	}
	if o.MaxConcurrent > 0 && o.MaxConcurrent < maxConc {
		maxConc = o.MaxConcurrent
	}
	perHost := e.cfg.Scan.PerHostMaxConcurrency
	if perHost <= 0 {
		perHost = 6
	}
	if o.PerHostMaxConcurrent > 0 && o.PerHostMaxConcurrent < perHost {
		perHost = o.PerHostMaxConcurrent
	}
	// Every task of a scan hits the scan's one target host, so the scan
	// cap and the per-host cap bind as their minimum.
	scanMax := maxConc
	if perHost < scanMax {
		scanMax = perHost
	}

	return effectiveOptions{
		deadline:   time.Duration(deadline) * time.Second,
		perScanner: time.Duration(perScanner) * time.Second,
		scanMax:    scanMax,
	}, nil
}
