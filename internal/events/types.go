package events

import (
	"time"

	"github.com/CosmoTheDev/webscan-engine/models"
)

// Event types published on a scan's bus.
const (
	TypeScanStarted      = "scan_started"
	TypeScanPhase        = "scan_phase"
	TypeScanProgress     = "scan_progress"
	TypeModuleStatus     = "module_status"
	TypeNewFinding       = "new_finding"
	TypeCurrentTargetURL = "current_target_url"
	TypeScanCompleted    = "scan_completed"
	// TypeLagged is delivered to a subscriber whose queue overflowed; Dropped
	// says how many events it missed so it can resync via a status fetch.
	TypeLagged = "lagged"
)

// Envelope wraps every event on the bus.
type Envelope struct {
	Type      string    `json:"type"`
	ScanID    string    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ScanStartedData announces an accepted scan.
type ScanStartedData struct {
	Target       string `json:"target"`
	TotalModules int    `json:"total_modules"`
}

// ScanPhaseData reports a phase transition.
type ScanPhaseData struct {
	Phase string `json:"phase"`
}

// ScanProgressData reports overall progress. EtaSeconds is -1 when unknown.
type ScanProgressData struct {
	Progress         float64 `json:"progress"`
	CompletedModules int     `json:"completed_modules"`
	TotalModules     int     `json:"total_modules"`
	EtaSeconds       int     `json:"eta_seconds"`
}

// ModuleStatusData reports a sub-scan status change.
type ModuleStatusData struct {
	Name          string               `json:"name"`
	Status        models.SubScanStatus `json:"status"`
	Error         *models.ScanError    `json:"error,omitempty"`
	FindingsCount *int                 `json:"findings_count,omitempty"`
}

// NewFindingData carries one finding as it is discovered.
type NewFindingData struct {
	Finding models.Finding `json:"finding"`
}

// CurrentTargetURLData reports the URL a scanner is currently probing.
type CurrentTargetURLData struct {
	URL string `json:"url"`
}

// ScanCompletedData is the final event of every scan.
type ScanCompletedData struct {
	Summary  models.ScanSummary    `json:"summary"`
	Counters models.SeverityCounts `json:"counters"`
}

// LaggedData counts events dropped from an overflowing subscriber queue.
type LaggedData struct {
	Dropped int `json:"dropped"`
}
