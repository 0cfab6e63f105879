package gateway

import (
	"context"
	"log/slog"
	"time"
)

const (
	heartbeatCheckInterval = 15 * time.Second
	// stuckThreshold is how long scans can be active with no engine event
	// before we declare the gateway stuck. Scans publish progress and module
	// events continuously, so two minutes of silence means something hung.
	stuckThreshold = 2 * time.Minute
)

// HeartbeatMonitor periodically derives the gateway's health from the set
// of observed scans and the last engine activity timestamp. It logs on
// status change and backs the /health endpoint via computeStatus().
type HeartbeatMonitor struct {
	gw         *Gateway
	lastStatus string // previous status, to suppress no-change logs
}

func newHeartbeatMonitor(gw *Gateway) *HeartbeatMonitor {
	return &HeartbeatMonitor{gw: gw}
}

// run is the background goroutine; it evaluates health every
// heartbeatCheckInterval.
func (h *HeartbeatMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evaluate()
		}
	}
}

func (h *HeartbeatMonitor) evaluate() {
	hs := h.computeStatus()
	if hs.Status != h.lastStatus {
		h.lastStatus = hs.Status
		slog.Info("gateway: health changed", "status", hs.Status, "active_scans", hs.ActiveScans, "message", hs.Message)
	}
}

// computeStatus derives a HeartbeatStatus from the gateway's tracked
// activity fields. Safe to call from any goroutine.
func (h *HeartbeatMonitor) computeStatus() HeartbeatStatus {
	h.gw.mu.RLock()
	lastAt := h.gw.lastActivityAt
	active := len(h.gw.active)
	startedAt := h.gw.startedAt
	h.gw.mu.RUnlock()

	now := time.Now()
	hs := HeartbeatStatus{
		ActiveScans:   active,
		UptimeSeconds: int64(now.Sub(startedAt).Seconds()),
	}
	if !lastAt.IsZero() {
		hs.LastActivityAt = lastAt.UTC().Format(time.RFC3339)
	}

	if active == 0 {
		hs.Status = "idle"
		hs.Message = "No scans running — waiting for API trigger or cron schedule."
		return hs
	}

	if since := now.Sub(lastAt); since > stuckThreshold {
		hs.Status = "stuck"
		hs.Message = "Scans are active but the engine has emitted no events. May be hung on a slow network call."
		return hs
	}

	hs.Status = "alive"
	hs.Message = "Scans in progress."
	return hs
}
