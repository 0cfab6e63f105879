package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Finding is a single security observation produced by a scanner.
// ID is a stable content hash, so two findings with equal ID are the same
// finding regardless of which run produced them.
type Finding struct {
	ID          string        `json:"id"            db:"finding_id"`
	Type        string        `json:"type"          db:"type"` // e.g. missing_header, open_redirect
	Title       string        `json:"title"         db:"title"`
	Severity    SeverityLevel `json:"severity"      db:"severity"`
	CWE         string        `json:"cwe,omitempty"  db:"cwe"`
	CVSS        float64       `json:"cvss,omitempty" db:"cvss"`
	Category    string        `json:"category"      db:"category"` // OWASP category, e.g. A05:2021
	Location    string        `json:"location"      db:"location"` // URL or URL+parameter
	Description string        `json:"description"   db:"description"`
	Remediation string        `json:"remediation"   db:"remediation"`
	Evidence    string        `json:"evidence,omitempty" db:"evidence"`
	// EvidenceTruncated is set when Evidence was cut at the configured cap.
	EvidenceTruncated bool      `json:"evidence_truncated,omitempty" db:"evidence_truncated"`
	DiscoveredAt      time.Time `json:"discovered_at" db:"discovered_at"`
	ScannerName       string    `json:"scanner_name"  db:"scanner_name"`
}

// FindingID computes the stable dedup hash from the identity fields.
// Evidence contributes only through its digest; compute the signature from
// the untruncated evidence so size-capping never changes the ID.
func FindingID(scanner, findingType, location, evidenceSignature string) string {
	h := sha256.New()
	h.Write([]byte(scanner))
	h.Write([]byte{0})
	h.Write([]byte(findingType))
	h.Write([]byte{0})
	h.Write([]byte(location))
	h.Write([]byte{0})
	h.Write([]byte(evidenceSignature))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// EvidenceSignature digests raw evidence for use in FindingID.
func EvidenceSignature(evidence string) string {
	sum := sha256.Sum256([]byte(evidence))
	return hex.EncodeToString(sum[:8])
}

// Seal assigns the finding's ID from its identity fields and stamps
// DiscoveredAt if unset. Scanners call this once per finding before
// returning it.
func (f *Finding) Seal() {
	if f.ID == "" {
		f.ID = FindingID(f.ScannerName, f.Type, f.Location, EvidenceSignature(f.Evidence))
	}
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = time.Now().UTC()
	}
}

// TruncateEvidence caps the finding's evidence at max bytes, cutting on a
// rune boundary. Returns true if anything was cut. A max of 0 disables
// truncation. The ID must be sealed before truncation so dedup is unaffected.
func (f *Finding) TruncateEvidence(max int) bool {
	if max <= 0 || len(f.Evidence) <= max {
		return false
	}
	cut := max
	for cut > 0 && !isRuneStart(f.Evidence[cut]) {
		cut--
	}
	f.Evidence = f.Evidence[:cut]
	f.EvidenceTruncated = true
	return true
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
