package engine

import (
	"testing"
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/scanner"
	"github.com/CosmoTheDev/webscan-engine/models"
)

func testState(t *testing.T, scanners []string, budget time.Duration) *scanState {
	t.Helper()
	target, err := models.ParseTarget("http://state.test")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	req := models.ScanRequest{Target: "http://state.test", ScanType: models.ScanTypeCustom}
	return newScanState("scan-1", target, req, scanners, time.Now().Add(budget))
}

func sealedFinding(scannerName, typ, location string, sev models.SeverityLevel) models.Finding {
	f := models.Finding{
		Type:        typ,
		Title:       typ,
		Severity:    sev,
		Category:    "A05:2021",
		Location:    location,
		ScannerName: scannerName,
	}
	f.Seal()
	return f
}

func TestResolveModuleFirstOutcomeWins(t *testing.T) {
	st := testState(t, []string{"a", "b"}, time.Minute)

	sub, applied := st.resolveModule("a", models.SubScanCompleted, nil, 2*time.Second)
	if !applied {
		t.Fatal("first resolution not applied")
	}
	if sub.Status != models.SubScanCompleted || sub.EndTime == nil {
		t.Fatalf("unexpected record: %+v", sub)
	}

	if _, applied := st.resolveModule("a", models.SubScanFailed, &models.ScanError{Kind: models.ErrInternal, Message: "late"}, 0); applied {
		t.Fatal("second resolution must be dropped")
	}
	snap := st.snapshot()
	if got := snap.SubScans["a"].Status; got != models.SubScanCompleted {
		t.Fatalf("status changed after terminal: %s", got)
	}
	if snap.Progress != 50 {
		t.Fatalf("progress = %v, want 50", snap.Progress)
	}
}

func TestResolveModuleUnknownScanner(t *testing.T) {
	st := testState(t, []string{"a"}, time.Minute)
	if _, applied := st.resolveModule("ghost", models.SubScanCompleted, nil, 0); applied {
		t.Fatal("unknown scanner must not resolve")
	}
}

func TestIngestDedupsByFindingID(t *testing.T) {
	st := testState(t, []string{"a", "b"}, time.Minute)

	f1 := sealedFinding("a", "missing_csp", "http://state.test/", models.SeverityMedium)
	dup := sealedFinding("a", "missing_csp", "http://state.test/", models.SeverityMedium)
	f2 := sealedFinding("a", "missing_hsts", "http://state.test/", models.SeverityLow)

	added := st.ingest("a", &scanner.Result{Findings: []models.Finding{f1, dup, f2}})
	if len(added) != 2 {
		t.Fatalf("added %d findings, want 2", len(added))
	}

	snap := st.snapshot()
	if snap.Counters.Total() != 2 {
		t.Fatalf("counters total = %d, want 2", snap.Counters.Total())
	}
	if snap.Counters.Medium != 1 || snap.Counters.Low != 1 {
		t.Fatalf("counter split wrong: %+v", snap.Counters)
	}
	if snap.Categories["A05:2021"] != 2 {
		t.Fatalf("category count = %d, want 2", snap.Categories["A05:2021"])
	}
	if snap.SubScans["a"].FindingsCount != 2 {
		t.Fatalf("sub-scan findings count = %d, want 2", snap.SubScans["a"].FindingsCount)
	}

	// The same finding from a later batch is also a duplicate.
	if again := st.ingest("a", &scanner.Result{Findings: []models.Finding{f1}}); len(again) != 0 {
		t.Fatalf("re-ingest added %d findings", len(again))
	}
}

func TestIngestDroppedOnceTerminal(t *testing.T) {
	st := testState(t, []string{"a"}, time.Minute)
	st.finalize(models.ScanCancelled, models.PhaseCancelled, false)

	f := sealedFinding("a", "late_finding", "http://state.test/", models.SeverityHigh)
	if added := st.ingest("a", &scanner.Result{Findings: []models.Finding{f}}); added != nil {
		t.Fatalf("terminal scan accepted findings: %v", added)
	}
	if st.findingsTotal() != 0 {
		t.Fatal("finding stored after terminal state")
	}
}

func TestIngestAttachesInventoryOnce(t *testing.T) {
	st := testState(t, []string{"a", "b"}, time.Minute)

	first := &scanner.Inventory{Pages: []scanner.Page{{URL: "http://state.test/"}}}
	st.ingest("a", &scanner.Result{Inventory: first})
	second := &scanner.Inventory{Pages: []scanner.Page{{URL: "http://state.test/other"}}}
	st.ingest("b", &scanner.Result{Inventory: second})

	if st.inventoryRef() != first {
		t.Fatal("later inventory replaced the one scanners already read")
	}
}

func TestProgressDataETA(t *testing.T) {
	st := testState(t, []string{"a", "b", "c", "d"}, 50*time.Second)

	// No samples yet: the per-scanner timeout stands in and the budget
	// clamps the estimate.
	data := st.progressData(90*time.Second, time.Now())
	if data.Progress != 0 || data.CompletedModules != 0 || data.TotalModules != 4 {
		t.Fatalf("unexpected initial progress: %+v", data)
	}
	if data.EtaSeconds < 48 || data.EtaSeconds > 50 {
		t.Fatalf("initial eta = %d, want about 50 (budget clamp)", data.EtaSeconds)
	}

	for i, name := range []string{"a", "b", "c"} {
		if _, applied := st.resolveModule(name, models.SubScanCompleted, nil, 2*time.Second); !applied {
			t.Fatalf("resolve %d not applied", i)
		}
	}
	data = st.progressData(90*time.Second, time.Now())
	if data.Progress != 75 || data.CompletedModules != 3 {
		t.Fatalf("unexpected progress after three: %+v", data)
	}
	// Three 2s samples: one remaining module, eta 2s.
	if data.EtaSeconds != 2 {
		t.Fatalf("eta = %d, want 2", data.EtaSeconds)
	}

	st.resolveModule("d", models.SubScanCompleted, nil, 2*time.Second)
	data = st.progressData(90*time.Second, time.Now())
	if data.Progress != 100 || data.EtaSeconds != 0 {
		t.Fatalf("unexpected final progress: %+v", data)
	}
}

func TestProgressETAFallsBackBelowThreeSamples(t *testing.T) {
	st := testState(t, []string{"a", "b", "c", "d"}, time.Hour)

	st.resolveModule("a", models.SubScanCompleted, nil, time.Second)
	st.resolveModule("b", models.SubScanCompleted, nil, time.Second)

	// Two samples only: 2 remaining x 10s fallback.
	data := st.progressData(10*time.Second, time.Now())
	if data.EtaSeconds != 20 {
		t.Fatalf("eta = %d, want 20 from the fallback", data.EtaSeconds)
	}
}

func TestNoteURLCrossesThresholdOnce(t *testing.T) {
	st := testState(t, []string{"a"}, time.Minute)

	for i := 0; i < stageBEarlyPages-1; i++ {
		if st.noteURL(urlN(i)) {
			t.Fatalf("crossed at %d URLs", i+1)
		}
	}
	if st.noteURL(urlN(99)) != true {
		t.Fatal("threshold URL did not report the crossing")
	}
	if st.noteURL(urlN(99)) {
		t.Fatal("duplicate URL counted twice")
	}
	if st.visitedCount() != stageBEarlyPages {
		t.Fatalf("visited = %d, want %d", st.visitedCount(), stageBEarlyPages)
	}
}

func urlN(i int) string {
	return "http://state.test/page" + string(rune('a'+i%26)) + "/" + string(rune('0'+i%10))
}

func TestSnapshotIsCopy(t *testing.T) {
	st := testState(t, []string{"a"}, time.Minute)
	st.ingest("a", &scanner.Result{Findings: []models.Finding{
		sealedFinding("a", "missing_csp", "http://state.test/", models.SeverityMedium),
	}})

	snap := st.snapshot()
	snap.SubScans["a"] = models.SubScan{Status: models.SubScanFailed}
	snap.Categories["A05:2021"] = 99

	fresh := st.snapshot()
	if fresh.SubScans["a"].Status != models.SubScanQueued {
		t.Fatal("snapshot mutation leaked into state")
	}
	if fresh.Categories["A05:2021"] != 1 {
		t.Fatal("category mutation leaked into state")
	}
}

func TestSummaryCountsCompletedModulesOnly(t *testing.T) {
	st := testState(t, []string{"a", "b", "c"}, time.Minute)
	st.markRunning()
	st.resolveModule("a", models.SubScanCompleted, nil, time.Second)
	st.resolveModule("b", models.SubScanFailed, &models.ScanError{Kind: models.ErrTransport, Message: "boom"}, 0)
	st.resolveModule("c", models.SubScanCancelled, &models.ScanError{Kind: models.ErrCancelled, Message: "skipped"}, 0)
	st.finalize(models.ScanCompleted, models.PhaseCompleted, false)

	sum := st.summary()
	if sum.ModulesTotal != 3 || sum.ModulesCompleted != 1 {
		t.Fatalf("module counts = %d/%d, want 1/3", sum.ModulesCompleted, sum.ModulesTotal)
	}
	if sum.Status != models.ScanCompleted {
		t.Fatalf("status = %s", sum.Status)
	}
	if sum.DurationMs < 0 {
		t.Fatalf("negative duration %d", sum.DurationMs)
	}
}

func TestSortFindingsBySeverity(t *testing.T) {
	fs := []models.Finding{
		sealedFinding("a", "info_note", "http://state.test/1", models.SeverityInfo),
		sealedFinding("a", "crit_hit", "http://state.test/2", models.SeverityCritical),
		sealedFinding("a", "med_one", "http://state.test/3", models.SeverityMedium),
		sealedFinding("a", "med_two", "http://state.test/4", models.SeverityMedium),
	}
	sortFindings(fs)

	want := []string{"crit_hit", "med_one", "med_two", "info_note"}
	for i, typ := range want {
		if fs[i].Type != typ {
			t.Fatalf("position %d = %s, want %s", i, fs[i].Type, typ)
		}
	}
}
