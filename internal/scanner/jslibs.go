package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/internal/osv"
	"github.com/CosmoTheDev/webscan-engine/models"
)

const (
	// jslibsMaxQueries bounds one scan's OSV batch size.
	jslibsMaxQueries = 20
	// jslibsMaxDetails bounds full-record fetches per library.
	jslibsMaxDetails = 3
)

func init() {
	Register("jslibs", func() Scanner { return &jslibsScanner{osv: osv.New()} })
}

// jslibsScanner checks JavaScript libraries found during recon against the
// OSV vulnerability database.
type jslibsScanner struct {
	osv *osv.Client
}

func (s *jslibsScanner) Name() string { return "jslibs" }

func (s *jslibsScanner) Metadata() Metadata {
	return Metadata{
		Name:           "jslibs",
		Stage:          StageAnalysis,
		Category:       CategoryComponents,
		Intensity:      IntensityLow,
		Description:    "Checks discovered JavaScript libraries against the OSV vulnerability database",
		NeedsInventory: true,
	}
}

// libRef is one name@version plus the pages that include it.
type libRef struct {
	name    string
	version string
	script  ScriptRef
}

func (s *jslibsScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	libs := collectLibraries(in.Inventory)
	if len(libs) == 0 {
		return res, nil
	}
	if len(libs) > jslibsMaxQueries {
		libs = libs[:jslibsMaxQueries]
	}

	queries := make([]osv.PackageQuery, len(libs))
	for i, lib := range libs {
		queries[i] = osv.PackageQuery{
			Package: osv.PackageID{Name: lib.name, Ecosystem: "npm"},
			Version: lib.version,
		}
	}

	results, err := s.osv.BatchQuery(ctx, queries)
	if err != nil {
		return res, &models.ScanError{Kind: models.ErrTransport, Message: err.Error()}
	}

	for i, result := range results {
		if i >= len(libs) {
			break
		}
		if len(result.Vulns) == 0 {
			continue
		}
		lib := libs[i]
		in.URLVisited(lib.script.URL)

		vulns := result.Vulns
		if len(vulns) > jslibsMaxDetails {
			vulns = vulns[:jslibsMaxDetails]
		}
		for _, v := range vulns {
			full, err := s.osv.GetVuln(ctx, v.ID)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				// Keep the reduced record; the finding still names the ID.
				full = v
			}
			adv := osv.Summarize(full, queries[i].Package)
			res.addFinding(in.Emit(s.finding(lib, adv)))
		}
	}

	return res, nil
}

func (s *jslibsScanner) finding(lib libRef, adv osv.Advisory) models.Finding {
	title := fmt.Sprintf("Vulnerable JavaScript library %s %s", lib.name, lib.version)
	if adv.CVE != "" {
		title += " (" + adv.CVE + ")"
	}

	description := adv.Summary
	if description == "" {
		description = fmt.Sprintf("The page loads %s %s, which has a published vulnerability (%s).", lib.name, lib.version, adv.OSVID)
	}
	remediation := fmt.Sprintf("Upgrade %s to a patched release.", lib.name)
	if adv.Fixed != "" {
		remediation = fmt.Sprintf("Upgrade %s to %s or later.", lib.name, adv.Fixed)
	}

	evidence := "script: " + lib.script.URL + "\nadvisory: " + adv.OSVID
	if adv.Reference != "" {
		evidence += "\nreference: " + adv.Reference
	}

	return models.Finding{
		Type:        "vulnerable_js_library",
		Title:       title,
		Severity:    advisorySeverity(adv),
		CWE:         "CWE-1395",
		CVSS:        adv.CVSSScore,
		Category:    "A06:2021",
		Location:    lib.script.Page,
		Description: description,
		Remediation: remediation,
		Evidence:    evidence,
		ScannerName: s.Name(),
	}
}

// advisorySeverity maps CVSS to a level, falling back to the source
// database's label and then to medium when the record carries neither.
func advisorySeverity(adv osv.Advisory) models.SeverityLevel {
	switch {
	case adv.CVSSScore >= 9:
		return models.SeverityCritical
	case adv.CVSSScore >= 7:
		return models.SeverityHigh
	case adv.CVSSScore >= 4:
		return models.SeverityMedium
	case adv.CVSSScore > 0:
		return models.SeverityLow
	}
	switch adv.Label {
	case "CRITICAL":
		return models.SeverityCritical
	case "HIGH":
		return models.SeverityHigh
	case "MODERATE", "MEDIUM":
		return models.SeverityMedium
	case "LOW":
		return models.SeverityLow
	}
	return models.SeverityMedium
}

// collectLibraries dedups inventory scripts into name@version refs, keeping
// only entries where the URL gave away both.
func collectLibraries(inv *Inventory) []libRef {
	if inv == nil {
		return nil
	}
	byKey := make(map[string]libRef)
	for _, script := range inv.Scripts {
		if script.Name == "" || script.Version == "" {
			continue
		}
		key := strings.ToLower(script.Name) + "@" + script.Version
		if _, ok := byKey[key]; !ok {
			byKey[key] = libRef{name: strings.ToLower(script.Name), version: script.Version, script: script}
		}
	}
	out := make([]libRef, 0, len(byKey))
	for _, lib := range byKey {
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].version < out[j].version
	})
	return out
}
