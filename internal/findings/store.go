// Package findings persists completed scans and tracks how each finding
// evolves across repeated scans of the same origin.
package findings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/database"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// SnapshotVersion is stamped into every archived snapshot document so
// future schema changes can detect and migrate old rows.
const SnapshotVersion = 1

// Lifecycle statuses.
const (
	LifecycleOpen     = "open"
	LifecycleResolved = "resolved"
)

// ErrNotFound is returned when no archived scan matches the requested ID.
var ErrNotFound = errors.New("scan not found in archive")

// Store archives finished scans and maintains per-origin finding lifecycles.
type Store struct {
	db database.DB
}

func NewStore(db database.DB) *Store {
	return &Store{db: db}
}

// snapshotDoc is the versioned JSON document stored in scans.snapshot.
type snapshotDoc struct {
	Version  int                 `json:"version"`
	Snapshot models.ScanSnapshot `json:"snapshot"`
	Findings []models.Finding    `json:"findings"`
}

// ScanRecord is one row of the scan archive, without the snapshot blob.
type ScanRecord struct {
	ScanID           string `db:"scan_id"            json:"scan_id"`
	Target           string `db:"target"             json:"target"`
	Origin           string `db:"origin"             json:"origin"`
	ScanType         string `db:"scan_type"          json:"scan_type"`
	Status           string `db:"status"             json:"status"`
	DeadlineExceeded bool   `db:"deadline_exceeded"  json:"deadline_exceeded,omitempty"`
	FindingsTotal    int    `db:"findings_total"     json:"findings_total"`
	CriticalCount    int    `db:"critical_count"     json:"critical_count"`
	HighCount        int    `db:"high_count"         json:"high_count"`
	MediumCount      int    `db:"medium_count"       json:"medium_count"`
	LowCount         int    `db:"low_count"          json:"low_count"`
	InfoCount        int    `db:"info_count"         json:"info_count"`
	ModulesTotal     int    `db:"modules_total"      json:"modules_total"`
	ModulesCompleted int    `db:"modules_completed"  json:"modules_completed"`
	StartedAt        string `db:"started_at"         json:"started_at,omitempty"`
	EndedAt          string `db:"ended_at"           json:"ended_at,omitempty"`
	CreatedAt        string `db:"created_at"         json:"created_at"`
}

// LifecycleEntry tracks one finding identity across every scan of an origin.
// The key is (origin, finding_id); the finding ID is a content hash, so the
// same weakness rediscovered months later maps onto the same entry.
type LifecycleEntry struct {
	ID                int64  `db:"id"                 json:"-"`
	Origin            string `db:"origin"             json:"origin"`
	FindingID         string `db:"finding_id"         json:"finding_id"`
	Status            string `db:"status"             json:"status"`
	Severity          string `db:"severity"           json:"severity"`
	Title             string `db:"title"              json:"title"`
	Location          string `db:"location"           json:"location"`
	ScannerName       string `db:"scanner_name"       json:"scanner_name"`
	FirstSeenScanID   string `db:"first_seen_scan_id" json:"first_seen_scan_id"`
	LastSeenScanID    string `db:"last_seen_scan_id"  json:"last_seen_scan_id"`
	FirstSeenAt       string `db:"first_seen_at"      json:"first_seen_at"`
	LastSeenAt        string `db:"last_seen_at"       json:"last_seen_at"`
	ResolvedAt        string `db:"resolved_at"        json:"resolved_at,omitempty"`
	ReintroducedCount int    `db:"reintroduced_count" json:"reintroduced_count"`
	TotalSeenCount    int    `db:"total_seen_count"   json:"total_seen_count"`
}

type scanInsertRow struct {
	ScanID           string `db:"scan_id"`
	Target           string `db:"target"`
	Origin           string `db:"origin"`
	ScanType         string `db:"scan_type"`
	Status           string `db:"status"`
	DeadlineExceeded bool   `db:"deadline_exceeded"`
	FindingsTotal    int    `db:"findings_total"`
	CriticalCount    int    `db:"critical_count"`
	HighCount        int    `db:"high_count"`
	MediumCount      int    `db:"medium_count"`
	LowCount         int    `db:"low_count"`
	InfoCount        int    `db:"info_count"`
	ModulesTotal     int    `db:"modules_total"`
	ModulesCompleted int    `db:"modules_completed"`
	StartedAt        string `db:"started_at"`
	EndedAt          string `db:"ended_at"`
	Snapshot         string `db:"snapshot"`
	CreatedAt        string `db:"created_at"`
}

type findingInsertRow struct {
	ScanID            string  `db:"scan_id"`
	FindingID         string  `db:"finding_id"`
	Type              string  `db:"type"`
	Title             string  `db:"title"`
	Severity          string  `db:"severity"`
	CWE               string  `db:"cwe"`
	CVSS              float64 `db:"cvss"`
	Category          string  `db:"category"`
	Location          string  `db:"location"`
	Description       string  `db:"description"`
	Remediation       string  `db:"remediation"`
	Evidence          string  `db:"evidence"`
	EvidenceTruncated bool    `db:"evidence_truncated"`
	ScannerName       string  `db:"scanner_name"`
	DiscoveredAt      string  `db:"discovered_at"`
}

// ArchiveScan persists a finished scan: the versioned snapshot document,
// one row per finding, and the lifecycle updates for the target origin.
// Calling it again for the same scan ID overwrites the previous archive.
func (s *Store) ArchiveScan(ctx context.Context, snap models.ScanSnapshot, findings []models.Finding) error {
	now := time.Now().UTC().Format(time.RFC3339)

	doc, err := json.Marshal(snapshotDoc{
		Version:  SnapshotVersion,
		Snapshot: snap,
		Findings: findings,
	})
	if err != nil {
		return fmt.Errorf("marshaling scan snapshot: %w", err)
	}

	row := scanInsertRow{
		ScanID:           snap.ScanID,
		Target:           snap.Target.Raw,
		Origin:           snap.Target.Origin,
		ScanType:         string(snap.Request.ScanType),
		Status:           string(snap.Status),
		DeadlineExceeded: snap.DeadlineExceeded,
		FindingsTotal:    len(findings),
		CriticalCount:    snap.Counters.Critical,
		HighCount:        snap.Counters.High,
		MediumCount:      snap.Counters.Medium,
		LowCount:         snap.Counters.Low,
		InfoCount:        snap.Counters.Info,
		ModulesTotal:     len(snap.SubScans),
		ModulesCompleted: completedModules(snap),
		StartedAt:        fmtTime(snap.StartedAt),
		EndedAt:          fmtTime(snap.EndedAt),
		Snapshot:         string(doc),
		CreatedAt:        now,
	}
	if err := s.db.Upsert(ctx, "scans", row, []string{"scan_id"}); err != nil {
		return fmt.Errorf("archiving scan %s: %w", snap.ScanID, err)
	}

	for _, f := range findings {
		fr := findingInsertRow{
			ScanID:            snap.ScanID,
			FindingID:         f.ID,
			Type:              f.Type,
			Title:             f.Title,
			Severity:          string(f.Severity),
			CWE:               f.CWE,
			CVSS:              f.CVSS,
			Category:          f.Category,
			Location:          f.Location,
			Description:       f.Description,
			Remediation:       f.Remediation,
			Evidence:          f.Evidence,
			EvidenceTruncated: f.EvidenceTruncated,
			ScannerName:       f.ScannerName,
			DiscoveredAt:      f.DiscoveredAt.UTC().Format(time.RFC3339),
		}
		if err := s.db.Upsert(ctx, "scan_findings", fr, []string{"scan_id", "finding_id"}); err != nil {
			return fmt.Errorf("archiving finding %s: %w", f.ID, err)
		}
	}

	if err := s.updateLifecycles(ctx, snap, findings, now); err != nil {
		// The archive row is already written; lifecycle drift self-heals on
		// the next scan of this origin.
		slog.Warn("Finding lifecycle update failed", "scan_id", snap.ScanID, "error", err)
	}
	return nil
}

func (s *Store) updateLifecycles(ctx context.Context, snap models.ScanSnapshot, findings []models.Finding, now string) error {
	origin := snap.Target.Origin

	var existing []LifecycleEntry
	err := s.db.Select(ctx, &existing,
		`SELECT id, origin, finding_id, status, severity, title, location, scanner_name,
		        first_seen_scan_id, last_seen_scan_id, first_seen_at, last_seen_at,
		        resolved_at, reintroduced_count, total_seen_count
		 FROM finding_lifecycles WHERE origin = ?`, origin)
	if err != nil {
		return err
	}
	byID := make(map[string]LifecycleEntry, len(existing))
	for _, e := range existing {
		byID[e.FindingID] = e
	}

	present := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		present[f.ID] = struct{}{}
		prev, seen := byID[f.ID]

		if !seen {
			entry := LifecycleEntry{
				Origin:          origin,
				FindingID:       f.ID,
				Status:          LifecycleOpen,
				Severity:        string(f.Severity),
				Title:           f.Title,
				Location:        f.Location,
				ScannerName:     f.ScannerName,
				FirstSeenScanID: snap.ScanID,
				LastSeenScanID:  snap.ScanID,
				FirstSeenAt:     now,
				LastSeenAt:      now,
				TotalSeenCount:  1,
			}
			if _, err := s.db.Insert(ctx, "finding_lifecycles", entry); err != nil {
				return err
			}
			continue
		}

		reintro := 0
		if prev.Status == LifecycleResolved {
			reintro = 1
		}
		err := s.db.Exec(ctx,
			`UPDATE finding_lifecycles
			 SET status = ?, severity = ?, title = ?, location = ?, scanner_name = ?,
			     last_seen_scan_id = ?, last_seen_at = ?, resolved_at = '',
			     reintroduced_count = reintroduced_count + ?,
			     total_seen_count = total_seen_count + 1
			 WHERE origin = ? AND finding_id = ?`,
			LifecycleOpen, string(f.Severity), f.Title, f.Location, f.ScannerName,
			snap.ScanID, now, reintro, origin, f.ID)
		if err != nil {
			return err
		}
	}

	// Absence only proves resolution when the scan ran to completion with
	// its full deadline: a cancelled or truncated scan may simply not have
	// reached the finding.
	if snap.Status != models.ScanCompleted || snap.DeadlineExceeded {
		return nil
	}
	for _, prev := range existing {
		if _, ok := present[prev.FindingID]; ok || prev.Status != LifecycleOpen {
			continue
		}
		err := s.db.Exec(ctx,
			`UPDATE finding_lifecycles SET status = ?, resolved_at = ?
			 WHERE origin = ? AND finding_id = ?`,
			LifecycleResolved, now, origin, prev.FindingID)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetScan loads an archived scan snapshot by ID.
func (s *Store) GetScan(ctx context.Context, scanID string) (models.ScanSnapshot, error) {
	snap, _, err := s.load(ctx, scanID)
	return snap, err
}

// GetResults loads an archived scan's snapshot and findings by ID.
func (s *Store) GetResults(ctx context.Context, scanID string) (models.ScanSnapshot, []models.Finding, error) {
	return s.load(ctx, scanID)
}

func (s *Store) load(ctx context.Context, scanID string) (models.ScanSnapshot, []models.Finding, error) {
	type snapshotCol struct {
		Snapshot string `db:"snapshot"`
	}
	var rows []snapshotCol
	err := s.db.Select(ctx, &rows, `SELECT snapshot FROM scans WHERE scan_id = ? LIMIT 1`, scanID)
	if err != nil {
		return models.ScanSnapshot{}, nil, err
	}
	if len(rows) == 0 {
		return models.ScanSnapshot{}, nil, ErrNotFound
	}

	var doc snapshotDoc
	if err := json.Unmarshal([]byte(rows[0].Snapshot), &doc); err != nil {
		return models.ScanSnapshot{}, nil, fmt.Errorf("decoding archived snapshot for %s: %w", scanID, err)
	}
	if doc.Version != SnapshotVersion {
		return models.ScanSnapshot{}, nil, fmt.Errorf("archived snapshot for %s has version %d, want %d", scanID, doc.Version, SnapshotVersion)
	}
	return doc.Snapshot, doc.Findings, nil
}

// ListScans returns the most recent archived scans, newest first.
func (s *Store) ListScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []ScanRecord
	err := s.db.Select(ctx, &records,
		`SELECT scan_id, target, origin, scan_type, status, deadline_exceeded,
		        findings_total, critical_count, high_count, medium_count, low_count, info_count,
		        modules_total, modules_completed, started_at, ended_at, created_at
		 FROM scans ORDER BY id DESC LIMIT ?`, limit)
	return records, err
}

// Lifecycles returns every tracked finding lifecycle for an origin,
// open entries first, most severe first within each status.
func (s *Store) Lifecycles(ctx context.Context, origin string) ([]LifecycleEntry, error) {
	var entries []LifecycleEntry
	err := s.db.Select(ctx, &entries,
		`SELECT id, origin, finding_id, status, severity, title, location, scanner_name,
		        first_seen_scan_id, last_seen_scan_id, first_seen_at, last_seen_at,
		        resolved_at, reintroduced_count, total_seen_count
		 FROM finding_lifecycles WHERE origin = ?
		 ORDER BY status = 'open' DESC, last_seen_at DESC`, origin)
	return entries, err
}

func completedModules(snap models.ScanSnapshot) int {
	n := 0
	for _, sub := range snap.SubScans {
		if sub.Status == models.SubScanCompleted {
			n++
		}
	}
	return n
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
