package osv

// PackageQuery is a single entry in a batch query request.
type PackageQuery struct {
	Package PackageID `json:"package"`
	Version string    `json:"version,omitempty"`
}

// PackageID identifies a package in the OSV ecosystem.
type PackageID struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

// BatchQueryRequest is the body for POST /v1/querybatch.
type BatchQueryRequest struct {
	Queries []PackageQuery `json:"queries"`
}

// BatchQueryResponse is the response from POST /v1/querybatch.
type BatchQueryResponse struct {
	Results []QueryResult `json:"results"`
}

// QueryResult is the result for a single package query. The batch endpoint
// returns reduced records carrying only ID and Modified; GetVuln fills in
// the rest.
type QueryResult struct {
	Vulns []Vuln `json:"vulns"`
}

// Vuln represents a single OSV vulnerability record.
type Vuln struct {
	ID               string           `json:"id"`      // e.g. "GHSA-xxxx-yyyy-zzzz"
	Summary          string           `json:"summary"` // one-line description
	Aliases          []string         `json:"aliases"` // e.g. ["CVE-2021-23337"]
	Severity         []Severity       `json:"severity"`
	References       []Reference      `json:"references"`
	Affected         []Affected       `json:"affected"`
	DatabaseSpecific DatabaseSpecific `json:"database_specific"`
	Published        string           `json:"published"` // RFC3339
	Modified         string           `json:"modified"`  // RFC3339
}

// Severity holds a CVSS score entry.
type Severity struct {
	Type  string `json:"type"`  // "CVSS_V3" or "CVSS_V2"
	Score string `json:"score"` // vector string, or sometimes just the number
}

// Reference is an external link associated with a vulnerability.
type Reference struct {
	Type string `json:"type"` // "WEB", "ADVISORY", "FIX", "REPORT"
	URL  string `json:"url"`
}

// Affected describes which package versions are affected.
type Affected struct {
	Package  PackageID       `json:"package"`
	Ranges   []AffectedRange `json:"ranges"`
	Versions []string        `json:"versions"`
}

// AffectedRange describes a version range that is affected.
type AffectedRange struct {
	Type   string       `json:"type"` // "SEMVER", "ECOSYSTEM", "GIT"
	Events []RangeEvent `json:"events"`
}

// RangeEvent marks the start/end of an affected range.
type RangeEvent struct {
	Introduced string `json:"introduced,omitempty"`
	Fixed      string `json:"fixed,omitempty"`
}

// DatabaseSpecific carries fields the source database attaches to a record.
// GHSA records put their severity label here.
type DatabaseSpecific struct {
	Severity string `json:"severity"` // "CRITICAL", "HIGH", "MODERATE", "LOW"
}
