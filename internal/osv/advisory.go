package osv

import (
	"fmt"
	"strings"
)

// Advisory is the digest of one vulnerability record, reduced to the fields
// a finding needs.
type Advisory struct {
	OSVID      string
	CVE        string
	Summary    string
	CVSSScore  float64
	CVSSVector string
	Label      string // source database's own severity label, when present
	Reference  string
	Fixed      string // first fixed version for the queried package
}

// Summarize reduces a full vulnerability record to an Advisory for the given
// package.
func Summarize(v Vuln, pkg PackageID) Advisory {
	return Advisory{
		OSVID:      v.ID,
		CVE:        extractCVE(v),
		Summary:    v.Summary,
		CVSSScore:  extractCVSSScore(v.Severity),
		CVSSVector: extractCVSSVector(v.Severity),
		Label:      strings.ToUpper(v.DatabaseSpecific.Severity),
		Reference:  firstReference(v.References),
		Fixed:      fixedVersion(v.Affected, pkg),
	}
}

// extractCVE returns the first CVE alias from a vuln, or the OSV ID if it is
// itself a CVE.
func extractCVE(v Vuln) string {
	for _, alias := range v.Aliases {
		if strings.HasPrefix(alias, "CVE-") {
			return alias
		}
	}
	if strings.HasPrefix(v.ID, "CVE-") {
		return v.ID
	}
	return ""
}

// extractCVSSScore returns a numeric CVSS score when OSV provides one,
// preferring v3 entries.
func extractCVSSScore(severities []Severity) float64 {
	for _, s := range severities {
		if s.Type == "CVSS_V3" {
			return parseCVSSScore(s.Score)
		}
	}
	for _, s := range severities {
		if s.Type == "CVSS_V2" {
			return parseCVSSScore(s.Score)
		}
	}
	return 0
}

func extractCVSSVector(severities []Severity) string {
	for _, s := range severities {
		if s.Type == "CVSS_V3" {
			return s.Score
		}
	}
	for _, s := range severities {
		if s.Type == "CVSS_V2" {
			return s.Score
		}
	}
	return ""
}

// parseCVSSScore handles the case where OSV puts a bare number (e.g. "9.8")
// in the Score field. Full vector strings don't embed the base score, so
// those yield 0 and the caller falls back to the database's own label.
func parseCVSSScore(score string) float64 {
	var f float64
	_, err := fmt.Sscanf(score, "%f", &f)
	if err == nil && f > 0 {
		return f
	}
	return 0
}

// firstReference prefers an ADVISORY link, then falls back to any reference.
func firstReference(refs []Reference) string {
	for _, r := range refs {
		if r.Type == "ADVISORY" {
			return r.URL
		}
	}
	if len(refs) > 0 {
		return refs[0].URL
	}
	return ""
}

// fixedVersion returns the first fixed version recorded for pkg, or empty
// when the record has no fix event for it.
func fixedVersion(affected []Affected, pkg PackageID) string {
	for _, a := range affected {
		if !strings.EqualFold(a.Package.Ecosystem, pkg.Ecosystem) {
			continue
		}
		if !strings.EqualFold(a.Package.Name, pkg.Name) {
			continue
		}
		for _, r := range a.Ranges {
			for _, e := range r.Events {
				if e.Fixed != "" {
					return e.Fixed
				}
			}
		}
	}
	return ""
}
