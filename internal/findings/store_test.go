package findings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/database"
	"github.com/CosmoTheDev/webscan-engine/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return NewStore(db)
}

func testSnapshot(scanID string, status models.ScanStatus, findings []models.Finding) models.ScanSnapshot {
	started := time.Now().UTC().Add(-time.Minute)
	ended := time.Now().UTC()
	snap := models.ScanSnapshot{
		ScanID: scanID,
		Target: models.Target{
			Raw:    "https://example.com/",
			Scheme: "https",
			Host:   "example.com",
			Origin: "https://example.com",
		},
		Request:   models.ScanRequest{Target: "https://example.com/", ScanType: models.ScanTypeQuick},
		Status:    status,
		Phase:     models.PhaseCompleted,
		Progress:  100,
		StartedAt: &started,
		EndedAt:   &ended,
		SubScans: map[string]models.SubScan{
			"headers": {ScanID: scanID, ScannerName: "headers", Status: models.SubScanCompleted, FindingsCount: len(findings)},
		},
	}
	for _, f := range findings {
		switch f.Severity {
		case models.SeverityCritical:
			snap.Counters.Critical++
		case models.SeverityHigh:
			snap.Counters.High++
		case models.SeverityMedium:
			snap.Counters.Medium++
		case models.SeverityLow:
			snap.Counters.Low++
		default:
			snap.Counters.Info++
		}
	}
	return snap
}

func testFinding(findingType, location string, sev models.SeverityLevel) models.Finding {
	f := models.Finding{
		Type:        findingType,
		Title:       "test " + findingType,
		Severity:    sev,
		Location:    location,
		ScannerName: "headers",
	}
	f.Seal()
	return f
}

func TestArchiveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	findings := []models.Finding{
		testFinding("missing_header", "https://example.com/", models.SeverityMedium),
		testFinding("cookie_no_secure", "https://example.com/login", models.SeverityLow),
	}
	snap := testSnapshot("scan-1", models.ScanCompleted, findings)

	if err := store.ArchiveScan(ctx, snap, findings); err != nil {
		t.Fatalf("ArchiveScan: %v", err)
	}

	got, gotFindings, err := store.GetResults(ctx, "scan-1")
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if got.ScanID != "scan-1" || got.Status != models.ScanCompleted {
		t.Errorf("loaded snapshot = %s/%s, want scan-1/completed", got.ScanID, got.Status)
	}
	if len(gotFindings) != 2 {
		t.Fatalf("loaded %d findings, want 2", len(gotFindings))
	}
	if gotFindings[0].ID != findings[0].ID {
		t.Errorf("finding ID changed through archive: %s != %s", gotFindings[0].ID, findings[0].ID)
	}

	records, err := store.ListScans(ctx, 10)
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ListScans returned %d records, want 1", len(records))
	}
	if records[0].FindingsTotal != 2 || records[0].MediumCount != 1 || records[0].LowCount != 1 {
		t.Errorf("record counters wrong: %+v", records[0])
	}
}

func TestGetScanNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetScan(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("GetScan(missing) = %v, want ErrNotFound", err)
	}
}

func TestArchiveOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := testFinding("missing_header", "https://example.com/", models.SeverityMedium)
	snap := testSnapshot("scan-1", models.ScanCompleted, []models.Finding{f})
	if err := store.ArchiveScan(ctx, snap, []models.Finding{f}); err != nil {
		t.Fatalf("first archive: %v", err)
	}
	if err := store.ArchiveScan(ctx, snap, []models.Finding{f}); err != nil {
		t.Fatalf("re-archive: %v", err)
	}

	records, err := store.ListScans(ctx, 10)
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("re-archiving duplicated the scan row: %d rows", len(records))
	}
}

func TestLifecycleOpenResolveReintroduce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := testFinding("missing_header", "https://example.com/", models.SeverityHigh)
	other := testFinding("dir_listing", "https://example.com/assets/", models.SeverityMedium)

	// First scan sees both findings.
	snap1 := testSnapshot("scan-1", models.ScanCompleted, []models.Finding{f, other})
	if err := store.ArchiveScan(ctx, snap1, []models.Finding{f, other}); err != nil {
		t.Fatalf("scan-1: %v", err)
	}

	entries, err := store.Lifecycles(ctx, "https://example.com")
	if err != nil {
		t.Fatalf("Lifecycles: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d lifecycle entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != LifecycleOpen || e.TotalSeenCount != 1 {
			t.Errorf("entry %s: status=%s seen=%d, want open/1", e.FindingID, e.Status, e.TotalSeenCount)
		}
	}

	// Second scan no longer sees f: it should resolve.
	snap2 := testSnapshot("scan-2", models.ScanCompleted, []models.Finding{other})
	if err := store.ArchiveScan(ctx, snap2, []models.Finding{other}); err != nil {
		t.Fatalf("scan-2: %v", err)
	}
	if e := lifecycleFor(t, store, f.ID); e.Status != LifecycleResolved || e.ResolvedAt == "" {
		t.Errorf("after scan-2: status=%s resolved_at=%q, want resolved with timestamp", e.Status, e.ResolvedAt)
	}
	if e := lifecycleFor(t, store, other.ID); e.Status != LifecycleOpen || e.TotalSeenCount != 2 {
		t.Errorf("after scan-2: other status=%s seen=%d, want open/2", e.Status, e.TotalSeenCount)
	}

	// Third scan sees f again: reintroduced.
	snap3 := testSnapshot("scan-3", models.ScanCompleted, []models.Finding{f, other})
	if err := store.ArchiveScan(ctx, snap3, []models.Finding{f, other}); err != nil {
		t.Fatalf("scan-3: %v", err)
	}
	e := lifecycleFor(t, store, f.ID)
	if e.Status != LifecycleOpen || e.ReintroducedCount != 1 || e.ResolvedAt != "" {
		t.Errorf("after scan-3: status=%s reintroduced=%d resolved_at=%q, want open/1/empty",
			e.Status, e.ReintroducedCount, e.ResolvedAt)
	}
	if e.FirstSeenScanID != "scan-1" || e.LastSeenScanID != "scan-3" {
		t.Errorf("seen scan IDs = %s..%s, want scan-1..scan-3", e.FirstSeenScanID, e.LastSeenScanID)
	}
}

func TestLifecycleNoResolveOnPartialScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := testFinding("missing_header", "https://example.com/", models.SeverityHigh)
	snap1 := testSnapshot("scan-1", models.ScanCompleted, []models.Finding{f})
	if err := store.ArchiveScan(ctx, snap1, []models.Finding{f}); err != nil {
		t.Fatalf("scan-1: %v", err)
	}

	// A deadline-exceeded scan that missed f must not resolve it.
	snap2 := testSnapshot("scan-2", models.ScanCompleted, nil)
	snap2.DeadlineExceeded = true
	if err := store.ArchiveScan(ctx, snap2, nil); err != nil {
		t.Fatalf("scan-2: %v", err)
	}
	if e := lifecycleFor(t, store, f.ID); e.Status != LifecycleOpen {
		t.Errorf("deadline-exceeded scan resolved the finding: status=%s", e.Status)
	}

	// Same for a cancelled scan.
	snap3 := testSnapshot("scan-3", models.ScanCancelled, nil)
	if err := store.ArchiveScan(ctx, snap3, nil); err != nil {
		t.Fatalf("scan-3: %v", err)
	}
	if e := lifecycleFor(t, store, f.ID); e.Status != LifecycleOpen {
		t.Errorf("cancelled scan resolved the finding: status=%s", e.Status)
	}
}

func lifecycleFor(t *testing.T, store *Store, findingID string) LifecycleEntry {
	t.Helper()
	entries, err := store.Lifecycles(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Lifecycles: %v", err)
	}
	for _, e := range entries {
		if e.FindingID == findingID {
			return e
		}
	}
	t.Fatalf("no lifecycle entry for %s", findingID)
	return LifecycleEntry{}
}
