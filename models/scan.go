package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ScanType selects which scanners a scan runs.
type ScanType string

const (
	ScanTypeFull   ScanType = "full"
	ScanTypeQuick  ScanType = "quick"
	ScanTypeCustom ScanType = "custom" // requires Options.Scanners
)

// ScanStatus is the lifecycle state of a whole scan.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether the scan can no longer change state.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// Scan phases as published on the event bus.
const (
	PhaseInitializing = "Initializing"
	PhaseRunning      = "Running scanners"
	PhaseAggregating  = "Aggregating results"
	PhaseCompleted    = "Completed"
	PhaseCancelled    = "Cancelled"
	PhaseFailed       = "Failed"
)

// SubScanStatus is the lifecycle state of one scanner within a scan.
type SubScanStatus string

const (
	SubScanQueued    SubScanStatus = "queued"
	SubScanRunning   SubScanStatus = "running"
	SubScanCompleted SubScanStatus = "completed"
	SubScanFailed    SubScanStatus = "failed"
	SubScanTimeout   SubScanStatus = "timeout"
	SubScanCancelled SubScanStatus = "cancelled"
)

// IsTerminal reports whether the sub-scan has finished in any way.
func (s SubScanStatus) IsTerminal() bool {
	switch s {
	case SubScanCompleted, SubScanFailed, SubScanTimeout, SubScanCancelled:
		return true
	}
	return false
}

// ErrorKind classifies failures across the engine. Kinds, not Go types,
// travel to clients.
type ErrorKind string

const (
	ErrInvalidArgument ErrorKind = "invalid_argument"
	ErrEgressBlocked   ErrorKind = "egress_blocked"
	ErrTimeout         ErrorKind = "timeout"
	ErrCancelled       ErrorKind = "cancelled"
	ErrDeadline        ErrorKind = "deadline" // skipped by deadline-aware admission
	ErrTransport       ErrorKind = "transport"
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrInternal        ErrorKind = "internal"
	ErrCircuitOpen     ErrorKind = "circuit_open"
)

// ScanError carries a classified failure on a sub-scan.
type ScanError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ScanError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Target is a validated scan destination.
type Target struct {
	Raw    string `json:"raw"`    // URL as submitted
	Scheme string `json:"scheme"` // http or https
	Host   string `json:"host"`   // host[:port]
	Origin string `json:"origin"` // scheme://host[:port]
}

// ParseTarget validates raw as an absolute http(s) URL.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, fmt.Errorf("invalid target URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("unsupported scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("target URL %q has no host", raw)
	}
	return Target{
		Raw:    u.String(),
		Scheme: u.Scheme,
		Host:   u.Host,
		Origin: u.Scheme + "://" + u.Host,
	}, nil
}

// ScanOptions tunes one scan. Zero values mean "use configured default".
type ScanOptions struct {
	// Scanners restricts the run to the named scanners. Required for custom
	// scans, ignored otherwise.
	Scanners []string `json:"scanners,omitempty"`
	// GlobalDeadlineSeconds caps the whole scan (default 180).
	GlobalDeadlineSeconds int `json:"global_deadline_seconds,omitempty"`
	// PerScannerTimeoutSeconds caps each scanner absent a stage cap (default 90).
	PerScannerTimeoutSeconds int `json:"per_scanner_timeout_seconds,omitempty"`
	// MaxConcurrent caps simultaneously running scanners (default 16).
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// PerHostMaxConcurrent caps simultaneous scanners against one host (default 6).
	PerHostMaxConcurrent int `json:"per_host_max_concurrent,omitempty"`
	// Profile names a scan profile to apply (custom scans).
	Profile string `json:"profile,omitempty"`
}

// ScanRequest is the input to StartScan.
type ScanRequest struct {
	Target   string      `json:"target"`
	ScanType ScanType    `json:"scan_type"`
	Options  ScanOptions `json:"options"`
}

// SubScan is the execution record of a single scanner inside a scan.
// Once Status is terminal the record never changes again.
type SubScan struct {
	ScanID        string        `json:"scan_id"`
	ScannerName   string        `json:"scanner_name"`
	Status        SubScanStatus `json:"status"`
	StartTime     *time.Time    `json:"start_time,omitempty"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	FindingsCount int           `json:"findings_count"`
	Error         *ScanError    `json:"error,omitempty"`
	// EvidenceTruncated is set when any finding from this scanner had its
	// evidence cut at the configured cap.
	EvidenceTruncated bool `json:"evidence_truncated,omitempty"`
}

// ScanSnapshot is a point-in-time copy of a scan's state, safe to hand to
// callers outside the orchestrator.
type ScanSnapshot struct {
	ScanID     string             `json:"scan_id"`
	Target     Target             `json:"target"`
	Request    ScanRequest        `json:"request"`
	Status     ScanStatus         `json:"status"`
	Phase      string             `json:"phase"`
	Progress   float64            `json:"progress"` // 0..100
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	DeadlineAt time.Time          `json:"deadline_at"`
	SubScans   map[string]SubScan `json:"sub_scans"`
	Counters   SeverityCounts     `json:"counters"`
	Categories map[string]int     `json:"categories,omitempty"` // findings per OWASP category
	// DeadlineExceeded marks a scan that terminated because the global
	// deadline expired; partial findings are still valid results.
	DeadlineExceeded bool `json:"deadline_exceeded,omitempty"`
}

// ScanSummary is the payload of the final scan_completed event.
type ScanSummary struct {
	ScanID           string         `json:"scan_id"`
	Target           string         `json:"target"`
	Status           ScanStatus     `json:"status"`
	FindingsTotal    int            `json:"findings_total"`
	Counters         SeverityCounts `json:"counters"`
	Categories       map[string]int `json:"categories,omitempty"`
	ModulesTotal     int            `json:"modules_total"`
	ModulesCompleted int            `json:"modules_completed"`
	DurationMs       int64          `json:"duration_ms"`
	DeadlineExceeded bool           `json:"deadline_exceeded,omitempty"`
}
