package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// Stage places a scanner in the orchestration pipeline. Recon scanners run
// first and feed the later stages; analysis scanners read responses without
// sending payloads; probing scanners send crafted input.
type Stage string

const (
	StageRecon    Stage = "recon"
	StageAnalysis Stage = "analysis"
	StageProbing  Stage = "probing"
)

// Category groups scanners by the weakness class they look for.
type Category string

const (
	CategoryRecon      Category = "recon"
	CategoryHardening  Category = "hardening"
	CategoryExposure   Category = "exposure"
	CategoryInjection  Category = "injection"
	CategoryComponents Category = "components"
)

// Intensity grades how much traffic a scanner sends at the target.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// Metadata describes a scanner for listing and scheduling.
type Metadata struct {
	Name        string    `json:"name"`
	Stage       Stage     `json:"stage"`
	Category    Category  `json:"category"`
	Intensity   Intensity `json:"intensity"`
	Description string    `json:"description"`
	// NeedsInventory marks scanners that read the crawl inventory and
	// should not be admitted before it exists.
	NeedsInventory bool `json:"needs_inventory"`
	// LongRunning marks scanners whose runtime scales with the size of
	// the target rather than a fixed probe count.
	LongRunning bool `json:"long_running"`
}

// Page is one URL discovered during recon.
type Page struct {
	URL         string
	Status      int
	ContentType string
	Title       string
}

// Form is an HTML form found on a discovered page.
type Form struct {
	Page   string
	Action string
	Method string
	Inputs []string
}

// ScriptRef is an external script tag, with the library name and version
// when the URL gives them away.
type ScriptRef struct {
	URL     string
	Page    string
	Name    string
	Version string
}

// Inventory is the crawl's view of the target. It is built once during
// recon and read-only afterwards.
type Inventory struct {
	Pages   []Page
	Forms   []Form
	Scripts []ScriptRef
	// Params maps a page URL to its query parameter names.
	Params map[string][]string
}

// PageCount reports how many distinct URLs recon has confirmed.
func (inv *Inventory) PageCount() int {
	if inv == nil {
		return 0
	}
	return len(inv.Pages)
}

// Signals is what fingerprinting learned about the target's stack.
type Signals struct {
	Server       string
	PoweredBy    string
	Technologies []string
}

// Input carries everything a scanner may draw on during a run. Client is
// the shared fabric; scanners never build their own HTTP clients.
type Input struct {
	Target    models.Target
	Client    *httpclient.Client
	Inventory *Inventory
	Signals   *Signals
	// OnURL reports the URL currently being probed, for live progress.
	OnURL func(url string)
	// EvidenceMaxBytes caps evidence attached to findings.
	EvidenceMaxBytes int
}

// URLVisited reports a probe target upstream if anyone is listening.
func (in *Input) URLVisited(url string) {
	if in.OnURL != nil {
		in.OnURL(url)
	}
}

// Emit stamps identity on a finding and caps its evidence. The ID is
// computed before the cap so truncation never changes dedup.
func (in *Input) Emit(f models.Finding) models.Finding {
	f.Seal()
	f.TruncateEvidence(in.EvidenceMaxBytes)
	return f
}

// Result is one scanner's output. Recon scanners attach the Inventory or
// Signals they produced; the orchestrator merges them into the scan state.
type Result struct {
	Findings          []models.Finding
	EvidenceTruncated bool
	Inventory         *Inventory
	Signals           *Signals
}

// addFinding appends a finding and tracks evidence truncation.
func (r *Result) addFinding(f models.Finding) {
	r.Findings = append(r.Findings, f)
	if f.EvidenceTruncated {
		r.EvidenceTruncated = true
	}
}

// Scanner is the contract every scanning module implements. Run must honor
// ctx cancellation. Partial findings are lost on error, so implementations
// collect what they found and return it even when later probes fail.
type Scanner interface {
	Name() string
	Metadata() Metadata
	Run(ctx context.Context, in *Input) (*Result, error)
}

// Factory builds a fresh scanner instance per scan.
type Factory func() Scanner

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a scanner factory under its name. Registration happens in
// package init; duplicate names are a programming error.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("scanner: duplicate registration of %q", name))
	}
	registry[name] = f
}

// Lookup returns the factory for a name.
func Lookup(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Build instantiates scanners for the given names, erroring on unknowns.
func Build(names []string) ([]Scanner, error) {
	out := make([]Scanner, 0, len(names))
	for _, name := range names {
		f, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("scanner: unknown scanner %q", name)
		}
		out = append(out, f())
	}
	return out, nil
}

// All returns metadata for every registered scanner, sorted by name.
func All() []Metadata {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]Metadata, 0, len(registry))
	for _, f := range registry {
		out = append(out, f().Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered scanner name, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
