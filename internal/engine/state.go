package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/events"
	"github.com/CosmoTheDev/webscan-engine/internal/scanner"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// scanState is the single source of truth for one scan. All mutation goes
// through its mutex; everything handed out is a copy, so observers never
// see a half-applied transition. Sub-scan records are first-wins: once a
// record is terminal, later outcomes for the same scanner are dropped.
type scanState struct {
	mu sync.Mutex

	id       string
	target   models.Target
	request  models.ScanRequest
	status   models.ScanStatus
	phase    string
	started  *time.Time
	ended    *time.Time
	deadline time.Time

	subScans map[string]*models.SubScan
	total    int
	terminal int

	findingIDs map[string]struct{}
	findings   []models.Finding
	counters   models.SeverityCounts
	categories map[string]int

	inventory *scanner.Inventory
	signals   *scanner.Signals
	visited   map[string]struct{}

	// durations of completed sub-scans, feeding the ETA estimate.
	durations []time.Duration

	deadlineExceeded bool
}

func newScanState(id string, target models.Target, req models.ScanRequest, scanners []string, deadline time.Time) *scanState {
	subs := make(map[string]*models.SubScan, len(scanners))
	for _, name := range scanners {
		subs[name] = &models.SubScan{
			ScanID:      id,
			ScannerName: name,
			Status:      models.SubScanQueued,
		}
	}
	return &scanState{
		id:         id,
		target:     target,
		request:    req,
		status:     models.ScanPending,
		phase:      models.PhaseInitializing,
		deadline:   deadline,
		subScans:   subs,
		total:      len(scanners),
		findingIDs: make(map[string]struct{}),
		categories: make(map[string]int),
		visited:    make(map[string]struct{}),
	}
}

func (s *scanState) markRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.ScanPending {
		return
	}
	now := time.Now().UTC()
	s.status = models.ScanRunning
	s.started = &now
}

func (s *scanState) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// moduleRunning moves a queued sub-scan to running. Returns false when the
// sub-scan already left the queued state, which happens when a cancellation
// races task dispatch.
func (s *scanState) moduleRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subScans[name]
	if !ok || sub.Status != models.SubScanQueued {
		return false
	}
	now := time.Now().UTC()
	sub.Status = models.SubScanRunning
	sub.StartTime = &now
	return true
}

// resolveModule applies a terminal outcome to a sub-scan. First outcome
// wins; the returned copy is the record as it will read forever after.
func (s *scanState) resolveModule(name string, status models.SubScanStatus, scanErr *models.ScanError, d time.Duration) (models.SubScan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subScans[name]
	if !ok || sub.Status.IsTerminal() {
		return models.SubScan{}, false
	}
	now := time.Now().UTC()
	sub.Status = status
	sub.EndTime = &now
	sub.Error = scanErr
	s.terminal++
	if status == models.SubScanCompleted {
		if d <= 0 && sub.StartTime != nil {
			d = now.Sub(*sub.StartTime)
		}
		if d > 0 {
			s.durations = append(s.durations, d)
		}
	}
	return *sub, true
}

// ingest merges one scanner's results into the scan. Findings are deduped
// by ID; only the newly added ones come back, in input order, so the caller
// can publish exactly those. Inventory and signals attach once: the first
// producer wins and later results cannot replace a surface other scanners
// already read.
func (s *scanState) ingest(name string, res *scanner.Result) []models.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return nil
	}

	var added []models.Finding
	for _, f := range res.Findings {
		if _, dup := s.findingIDs[f.ID]; dup {
			continue
		}
		s.findingIDs[f.ID] = struct{}{}
		s.findings = append(s.findings, f)
		s.counters.Add(f.Severity)
		if f.Category != "" {
			s.categories[f.Category]++
		}
		added = append(added, f)
	}

	if sub, ok := s.subScans[name]; ok && !sub.Status.IsTerminal() {
		sub.FindingsCount += len(added)
		if res.EvidenceTruncated {
			sub.EvidenceTruncated = true
		}
	}

	if res.Inventory != nil && s.inventory == nil {
		s.inventory = res.Inventory
	}
	if res.Signals != nil && s.signals == nil {
		s.signals = res.Signals
	}
	return added
}

// noteURL records a URL reported by a running scanner and says whether the
// count just reached the early-admission threshold for analysis.
func (s *scanState) noteURL(u string) (crossed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.visited[u]; seen {
		return false
	}
	s.visited[u] = struct{}{}
	return len(s.visited) == stageBEarlyPages
}

func (s *scanState) visitedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visited)
}

func (s *scanState) inventoryRef() *scanner.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory
}

func (s *scanState) signalsRef() *scanner.Signals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals
}

// hasProbeSignals reports whether discovery surfaced anything worth deep
// probing: forms or parameterized URLs.
func (s *scanState) hasProbeSignals() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inventory == nil {
		return false
	}
	return len(s.inventory.Forms) > 0 || len(s.inventory.Params) > 0
}

func (s *scanState) allTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal >= s.total
}

// allTerminalOf reports whether every named sub-scan has finished.
func (s *scanState) allTerminalOf(names []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if sub, ok := s.subScans[name]; ok && !sub.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// nonTerminal lists the sub-scans still waiting on an outcome.
func (s *scanState) nonTerminal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, sub := range s.subScans {
		if !sub.Status.IsTerminal() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *scanState) findingsTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.findings)
}

// progressData computes one consistent progress event. ETA is the mean
// duration of completed sub-scans times the remaining count; with fewer
// than three samples the configured per-scanner timeout stands in. The
// result is clamped to the remaining budget.
func (s *scanState) progressData(perScanner time.Duration, now time.Time) events.ScanProgressData {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := events.ScanProgressData{
		CompletedModules: s.terminal,
		TotalModules:     s.total,
		EtaSeconds:       -1,
	}
	if s.total > 0 {
		data.Progress = 100 * float64(s.terminal) / float64(s.total)
	}

	remaining := s.total - s.terminal
	if remaining <= 0 {
		data.EtaSeconds = 0
		return data
	}
	mean := perScanner
	if len(s.durations) >= 3 {
		var sum time.Duration
		for _, d := range s.durations {
			sum += d
		}
		mean = sum / time.Duration(len(s.durations))
	}
	eta := time.Duration(remaining) * mean
	if budget := s.deadline.Sub(now); eta > budget {
		eta = budget
	}
	if eta < 0 {
		eta = 0
	}
	data.EtaSeconds = int(eta / time.Second)
	return data
}

// finalize moves the scan to a terminal status. Only the first call wins.
func (s *scanState) finalize(status models.ScanStatus, phase string, deadlineExceeded bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return false
	}
	now := time.Now().UTC()
	s.status = status
	s.phase = phase
	s.ended = &now
	s.deadlineExceeded = deadlineExceeded
	return true
}

func (s *scanState) currentStatus() models.ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *scanState) snapshot() models.ScanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make(map[string]models.SubScan, len(s.subScans))
	for name, sub := range s.subScans {
		subs[name] = *sub
	}
	cats := make(map[string]int, len(s.categories))
	for c, n := range s.categories {
		cats[c] = n
	}
	snap := models.ScanSnapshot{
		ScanID:           s.id,
		Target:           s.target,
		Request:          s.request,
		Status:           s.status,
		Phase:            s.phase,
		DeadlineAt:       s.deadline,
		SubScans:         subs,
		Counters:         s.counters,
		Categories:       cats,
		DeadlineExceeded: s.deadlineExceeded,
	}
	if s.total > 0 {
		snap.Progress = 100 * float64(s.terminal) / float64(s.total)
	}
	if s.started != nil {
		t := *s.started
		snap.StartedAt = &t
	}
	if s.ended != nil {
		t := *s.ended
		snap.EndedAt = &t
	}
	return snap
}

// results copies the deduped findings sorted by severity weight, heaviest
// first, keeping discovery order within a severity.
func (s *scanState) results() []models.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Finding, len(s.findings))
	copy(out, s.findings)
	sortFindings(out)
	return out
}

func (s *scanState) summary() models.ScanSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := 0
	for _, sub := range s.subScans {
		if sub.Status == models.SubScanCompleted {
			completed++
		}
	}
	cats := make(map[string]int, len(s.categories))
	for c, n := range s.categories {
		cats[c] = n
	}
	sum := models.ScanSummary{
		ScanID:           s.id,
		Target:           s.target.Raw,
		Status:           s.status,
		FindingsTotal:    len(s.findings),
		Counters:         s.counters,
		Categories:       cats,
		ModulesTotal:     s.total,
		ModulesCompleted: completed,
		DeadlineExceeded: s.deadlineExceeded,
	}
	if s.started != nil && s.ended != nil {
		sum.DurationMs = s.ended.Sub(*s.started).Milliseconds()
	}
	return sum
}

// sortFindings orders by severity weight descending, stable, so discovery
// order survives within each severity.
func sortFindings(fs []models.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		return fs[i].Severity.Weight() > fs[j].Severity.Weight()
	})
}
