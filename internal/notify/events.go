package notify

import (
	"fmt"

	"github.com/CosmoTheDev/webscan-engine/models"
)

// ScanCompletedEvent builds the notification for a finished scan.
func ScanCompletedEvent(sum models.ScanSummary) Event {
	return Event{
		Type:  EventScanCompleted,
		Title: fmt.Sprintf("Scan of %s completed: %d findings", sum.Target, sum.FindingsTotal),
		Body: fmt.Sprintf("critical=%d high=%d medium=%d low=%d info=%d (%d/%d modules, %.1fs)",
			sum.Counters.Critical, sum.Counters.High, sum.Counters.Medium,
			sum.Counters.Low, sum.Counters.Info,
			sum.ModulesCompleted, sum.ModulesTotal, float64(sum.DurationMs)/1000),
		Target: sum.Target,
		ScanID: sum.ScanID,
	}
}

// ScanFailedEvent builds the notification for a scan that ended in failure.
func ScanFailedEvent(sum models.ScanSummary) Event {
	return Event{
		Type:  EventScanFailed,
		Title: fmt.Sprintf("Scan of %s failed", sum.Target),
		Body: fmt.Sprintf("scan %s ended with status %s after %d/%d modules",
			sum.ScanID, sum.Status, sum.ModulesCompleted, sum.ModulesTotal),
		Target: sum.Target,
		ScanID: sum.ScanID,
	}
}

// CriticalFindingEvent builds the notification for a single high-impact finding.
func CriticalFindingEvent(scanID, target string, f models.Finding) Event {
	return Event{
		Type:     EventCriticalFinding,
		Title:    fmt.Sprintf("[%s] %s", f.Severity, f.Title),
		Body:     f.Description,
		URL:      f.Location,
		Severity: string(f.Severity),
		Target:   target,
		ScanID:   scanID,
		Metadata: map[string]any{
			"finding_id": f.ID,
			"type":       f.Type,
			"category":   f.Category,
			"scanner":    f.ScannerName,
		},
	}
}
