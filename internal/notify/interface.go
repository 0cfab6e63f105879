// Package notify fans scan events out to configured notification channels.
package notify

import "context"

// Event types that can trigger notifications.
const (
	EventScanCompleted   = "scan_completed"
	EventScanFailed      = "scan_failed"
	EventCriticalFinding = "critical_finding"
)

// Event represents a notification event from the scan engine.
type Event struct {
	Type     string // "scan_completed" | "scan_failed" | "critical_finding"
	Title    string
	Body     string
	URL      string // optional deep link (e.g. finding location)
	Severity string // "critical" | "high" | "medium" | "low" | "info" | ""
	Target   string // scanned URL
	ScanID   string
	Metadata map[string]any // extra structured data
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}
