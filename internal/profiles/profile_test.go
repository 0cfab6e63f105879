package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CosmoTheDev/webscan-engine/models"
)

func TestParseFrontmatter(t *testing.T) {
	data := []byte(`---
name: custom
version: 2
description: test profile
scanners:
  - headers
  - cors
min_severity: medium
options:
  global_deadline_seconds: 120
---

Long form description.
`)
	p, err := parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Name != "custom" || p.Version != 2 {
		t.Errorf("name/version = %s/%d, want custom/2", p.Name, p.Version)
	}
	if len(p.Scanners) != 2 || p.Scanners[0] != "headers" {
		t.Errorf("scanners = %v", p.Scanners)
	}
	if p.Options.GlobalDeadlineSeconds != 120 {
		t.Errorf("global deadline = %d, want 120", p.Options.GlobalDeadlineSeconds)
	}
	if p.Body != "Long form description." {
		t.Errorf("body = %q", p.Body)
	}
}

func TestParseNoFrontmatter(t *testing.T) {
	p, err := parse([]byte("just a body"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Body != "just a body" || p.Name != "" {
		t.Errorf("got %+v", p)
	}
}

func TestParseUnterminatedFrontmatter(t *testing.T) {
	if _, err := parse([]byte("---\nname: broken\n")); err == nil {
		t.Error("expected error for unterminated frontmatter")
	}
}

func TestLoadBundled(t *testing.T) {
	for _, name := range []string{"passive", "standard", "deep"} {
		p, err := Load(name, "")
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if !p.Bundled {
			t.Errorf("%s should be marked bundled", name)
		}
		if len(p.Scanners) == 0 {
			t.Errorf("%s has no scanners", name)
		}
		if p.Options.GlobalDeadlineSeconds <= 0 {
			t.Errorf("%s has no deadline preset", name)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("no-such-profile", ""); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestUserProfileShadowsBundled(t *testing.T) {
	dir := t.TempDir()
	override := `---
name: passive
version: 9
description: user override
scanners:
  - headers
---
`
	if err := os.WriteFile(filepath.Join(dir, "passive.md"), []byte(override), 0o640); err != nil {
		t.Fatal(err)
	}

	p, err := Load("passive", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Version != 9 || p.Bundled {
		t.Errorf("user profile did not shadow bundled: version=%d bundled=%v", p.Version, p.Bundled)
	}

	all, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	seen := map[string]Profile{}
	for _, pr := range all {
		seen[pr.Name] = pr
	}
	if seen["passive"].Version != 9 {
		t.Errorf("List returned bundled passive, want user override")
	}
	if _, ok := seen["deep"]; !ok {
		t.Errorf("List dropped bundled profiles: %v", all)
	}
}

func TestApply(t *testing.T) {
	p := &Profile{
		Name:     "deep",
		Scanners: []string{"headers", "cors"},
		Options: ProfileOptions{
			GlobalDeadlineSeconds:    600,
			PerScannerTimeoutSeconds: 180,
		},
	}

	req := models.ScanRequest{Target: "https://example.com"}
	p.Apply(&req)
	if req.ScanType != models.ScanTypeCustom {
		t.Errorf("scan type = %s, want custom", req.ScanType)
	}
	if len(req.Options.Scanners) != 2 {
		t.Errorf("scanners = %v", req.Options.Scanners)
	}
	if req.Options.GlobalDeadlineSeconds != 600 || req.Options.Profile != "deep" {
		t.Errorf("options not applied: %+v", req.Options)
	}

	// Explicit request values win over the profile.
	req2 := models.ScanRequest{
		Target:   "https://example.com",
		ScanType: models.ScanTypeQuick,
		Options:  models.ScanOptions{GlobalDeadlineSeconds: 30},
	}
	p.Apply(&req2)
	if req2.Options.GlobalDeadlineSeconds != 30 {
		t.Errorf("profile overwrote explicit deadline: %d", req2.Options.GlobalDeadlineSeconds)
	}
	if req2.ScanType != models.ScanTypeQuick {
		t.Errorf("profile overwrote explicit scan type: %s", req2.ScanType)
	}
}

func TestAllowsSeverity(t *testing.T) {
	p := &Profile{MinSeverity: "medium"}
	if p.AllowsSeverity(models.SeverityLow) {
		t.Error("low should be below a medium floor")
	}
	if !p.AllowsSeverity(models.SeverityCritical) {
		t.Error("critical should clear a medium floor")
	}
	open := &Profile{}
	if !open.AllowsSeverity(models.SeverityInfo) {
		t.Error("empty floor should allow everything")
	}
}

func TestInitCopiesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	if err := Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, name := range []string{"passive.md", "standard.md", "deep.md"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s after Init: %v", name, err)
		}
	}
}
