// Package gateway is the long-running daemon around the scan engine: a
// REST + SSE HTTP server, a cron scheduler for recurring scans, and the
// archive/notification plumbing that fires when scans finish.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/database"
	"github.com/CosmoTheDev/webscan-engine/internal/engine"
	"github.com/CosmoTheDev/webscan-engine/internal/events"
	"github.com/CosmoTheDev/webscan-engine/internal/findings"
	"github.com/CosmoTheDev/webscan-engine/internal/notify"
	"github.com/CosmoTheDev/webscan-engine/internal/profiles"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// shutdownGrace bounds how long Stop waits for live scans and the HTTP
// server to drain.
const shutdownGrace = 10 * time.Second

// Gateway combines the scan engine, the archive store, the cron
// scheduler, and the notification dispatcher behind one HTTP server.
type Gateway struct {
	cfg         *config.Config
	db          database.DB
	engine      *engine.Engine
	store       *findings.Store
	scheduler   *Scheduler
	notifier    *notify.Dispatcher
	heartbeat   *HeartbeatMonitor
	profilesDir string

	mu             sync.RWMutex
	startedAt      time.Time
	lastActivityAt time.Time
	active         map[string]struct{} // scan IDs being observed
}

// New creates a Gateway. Call Start() to begin serving.
func New(cfg *config.Config, db database.DB, eng *engine.Engine) *Gateway {
	dir := cfg.Profiles.Dir
	if dir == "" {
		dir = profiles.DefaultDir()
	}
	gw := &Gateway{
		cfg:         cfg,
		db:          db,
		engine:      eng,
		store:       findings.NewStore(db),
		notifier:    notify.NewDispatcher(cfg.Notify),
		profilesDir: dir,
		startedAt:   time.Now(),
		active:      make(map[string]struct{}),
	}
	gw.scheduler = newScheduler(db, gw.runSchedule)
	gw.heartbeat = newHeartbeatMonitor(gw)
	return gw
}

// Start runs the gateway until ctx is cancelled. It:
//  1. Seeds the user profiles directory
//  2. Loads and starts the cron scheduler
//  3. Starts the heartbeat monitor
//  4. Binds the HTTP server (blocks until shutdown)
func (gw *Gateway) Start(ctx context.Context) error {
	port := gw.cfg.Gateway.Port
	if port == 0 {
		port = 6090
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	if err := profiles.Init(gw.profilesDir); err != nil {
		slog.Warn("gateway: seeding profiles dir failed", "dir", gw.profilesDir, "error", err)
	}

	if err := gw.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	go gw.heartbeat.run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           buildHandler(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		gw.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		gw.engine.Shutdown(shutdownGrace)
	}()

	slog.Info("gateway: listening", "addr", "http://"+addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// startScan resolves the requested profile, starts the scan on the engine,
// and attaches the observer that archives and notifies when it finishes.
func (gw *Gateway) startScan(req models.ScanRequest) (string, error) {
	if req.Options.Profile != "" {
		p, err := profiles.Load(req.Options.Profile, gw.profilesDir)
		if err != nil {
			return "", &engine.Error{Status: engine.StatusInvalidArgument, Message: err.Error()}
		}
		p.Apply(&req)
	}

	id, err := gw.engine.StartScan(req)
	if err != nil {
		return "", err
	}

	sub, err := gw.engine.Subscribe(id)
	if err == nil {
		gw.track(id)
		go gw.observe(id, sub)
	}
	return id, nil
}

// observe follows a scan's event stream until the bus closes, touching the
// activity clock, forwarding qualifying findings to the notifier, and
// archiving the final state.
func (gw *Gateway) observe(scanID string, sub *events.Subscription) {
	defer gw.untrack(scanID)
	ctx := context.Background()

	for evt := range sub.C {
		gw.touch()
		switch evt.Type {
		case events.TypeNewFinding:
			data, ok := evt.Data.(events.NewFindingData)
			if !ok {
				continue
			}
			f := data.Finding
			// Only high-impact findings notify mid-scan; the rest arrive
			// with the completion summary.
			if f.Severity == models.SeverityCritical || f.Severity == models.SeverityHigh {
				snap, err := gw.engine.GetScan(scanID)
				target := ""
				if err == nil {
					target = snap.Target.Raw
				}
				gw.notifier.Notify(ctx, notify.CriticalFindingEvent(scanID, target, f))
			}
		}
	}

	gw.finalize(ctx, scanID)
}

// finalize archives a finished scan and sends the completion notification.
func (gw *Gateway) finalize(ctx context.Context, scanID string) {
	snap, err := gw.engine.GetScan(scanID)
	if err != nil {
		slog.Warn("gateway: finished scan vanished before archiving", "scan_id", scanID, "error", err)
		return
	}
	res, err := gw.engine.GetResults(scanID)
	if err != nil {
		slog.Warn("gateway: loading results for archive failed", "scan_id", scanID, "error", err)
		return
	}

	if err := gw.store.ArchiveScan(ctx, snap, res.Findings); err != nil {
		slog.Error("gateway: archiving scan failed", "scan_id", scanID, "error", err)
	} else {
		slog.Info("gateway: scan archived", "scan_id", scanID, "status", snap.Status, "findings", len(res.Findings))
	}

	sum := summaryFrom(snap, len(res.Findings))
	if snap.Status == models.ScanFailed {
		gw.notifier.Notify(ctx, notify.ScanFailedEvent(sum))
	} else {
		gw.notifier.Notify(ctx, notify.ScanCompletedEvent(sum))
	}
}

// runSchedule starts a scan for a fired cron schedule.
func (gw *Gateway) runSchedule(sched Schedule) {
	req := models.ScanRequest{
		Target:   sched.Target,
		ScanType: models.ScanType(sched.ScanType),
		Options:  models.ScanOptions{Profile: sched.Profile},
	}
	id, err := gw.startScan(req)
	if err != nil {
		slog.Warn("gateway: scheduled scan failed to start",
			"schedule", sched.Name, "target", sched.Target, "error", err)
		return
	}
	slog.Info("gateway: scheduled scan started",
		"schedule", sched.Name, "target", sched.Target, "scan_id", id)
}

func (gw *Gateway) touch() {
	gw.mu.Lock()
	gw.lastActivityAt = time.Now()
	gw.mu.Unlock()
}

func (gw *Gateway) track(scanID string) {
	gw.mu.Lock()
	gw.active[scanID] = struct{}{}
	gw.lastActivityAt = time.Now()
	gw.mu.Unlock()
}

func (gw *Gateway) untrack(scanID string) {
	gw.mu.Lock()
	delete(gw.active, scanID)
	gw.lastActivityAt = time.Now()
	gw.mu.Unlock()
}

func summaryFrom(snap models.ScanSnapshot, findingsTotal int) models.ScanSummary {
	completed := 0
	for _, sub := range snap.SubScans {
		if sub.Status == models.SubScanCompleted {
			completed++
		}
	}
	var durationMs int64
	if snap.StartedAt != nil && snap.EndedAt != nil {
		durationMs = snap.EndedAt.Sub(*snap.StartedAt).Milliseconds()
	}
	return models.ScanSummary{
		ScanID:           snap.ScanID,
		Target:           snap.Target.Raw,
		Status:           snap.Status,
		FindingsTotal:    findingsTotal,
		Counters:         snap.Counters,
		Categories:       snap.Categories,
		ModulesTotal:     len(snap.SubScans),
		ModulesCompleted: completed,
		DurationMs:       durationMs,
		DeadlineExceeded: snap.DeadlineExceeded,
	}
}
