package scanner

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	format "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/models"
)

func init() {
	Register("exposure", func() Scanner { return &exposureScanner{} })
}

// exposureScanner probes well-known paths that leak source control data,
// configuration or server internals.
type exposureScanner struct{}

func (s *exposureScanner) Name() string { return "exposure" }

func (s *exposureScanner) Metadata() Metadata {
	return Metadata{
		Name:        "exposure",
		Stage:       StageAnalysis,
		Category:    CategoryExposure,
		Intensity:   IntensityMedium,
		Description: "Probes for exposed VCS metadata, environment files and server status pages",
	}
}

var envAssignment = regexp.MustCompile(`(?m)^[A-Za-z_][A-Za-z0-9_]*=\S`)

var envSensitiveKey = regexp.MustCompile(`(?im)^[A-Za-z0-9_]*(SECRET|TOKEN|PASSWORD|PASSWD|API_?KEY|PRIVATE|DATABASE|DB_|AWS_)[A-Za-z0-9_]*=`)

func (s *exposureScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}

	type probe struct {
		path    string
		inspect func(body []byte) (models.Finding, bool)
	}
	probes := []probe{
		{"/.git/config", s.inspectGitConfig},
		{"/.env", s.inspectEnvFile},
		{"/server-status", s.inspectServerStatus},
		{"/phpinfo.php", s.inspectPHPInfo},
		{"/.DS_Store", s.inspectDSStore},
		{"/.svn/entries", s.inspectSVNEntries},
	}

	for _, p := range probes {
		target := in.Target.Origin + p.path
		in.URLVisited(target)
		resp, err := in.Client.Get(ctx, target)
		if err != nil {
			if kind := httpclient.KindOf(err); kind == httpclient.KindCancelled || kind == httpclient.KindTimeout {
				return res, err
			}
			continue
		}
		if resp.StatusCode != 200 {
			continue
		}
		f, ok := p.inspect(resp.Body)
		if !ok {
			continue
		}
		f.Location = target
		f.Category = "A05:2021"
		f.ScannerName = s.Name()
		res.addFinding(in.Emit(f))
	}

	return res, nil
}

// inspectGitConfig only reports when the body parses as a real git config,
// so generic 200 error pages don't trigger it.
func (s *exposureScanner) inspectGitConfig(body []byte) (models.Finding, bool) {
	cfg := format.New()
	if err := format.NewDecoder(bytes.NewReader(body)).Decode(cfg); err != nil {
		return models.Finding{}, false
	}

	coreVersion := ""
	hasCore := false
	var remotes []string
	for _, sec := range cfg.Sections {
		switch strings.ToLower(sec.Name) {
		case "core":
			hasCore = true
			coreVersion = sec.Option("repositoryformatversion")
		case "remote":
			for _, sub := range sec.Subsections {
				if u := sub.Option("url"); u != "" {
					remotes = append(remotes, sub.Name+" = "+u)
				}
			}
		}
	}
	if !hasCore && len(remotes) == 0 {
		// Parsed, but carries none of the sections a repository config has.
		return models.Finding{}, false
	}

	evidence := "[core] repositoryformatversion = " + coreVersion
	if len(remotes) > 0 {
		evidence += "\nremotes:\n  " + strings.Join(remotes, "\n  ")
	}
	return models.Finding{
		Type:        "exposed_git_config",
		Title:       "Git repository configuration is publicly readable",
		Severity:    models.SeverityHigh,
		CWE:         "CWE-538",
		Description: "/.git/config is served to anyone, which usually means the whole .git directory is exposed and the repository, including its history, can be reconstructed.",
		Remediation: "Block access to the .git directory at the web server and rotate any credentials embedded in remote URLs.",
		Evidence:    evidence,
	}, true
}

func (s *exposureScanner) inspectEnvFile(body []byte) (models.Finding, bool) {
	if looksLikeHTML(body) {
		return models.Finding{}, false
	}
	if !envAssignment.Match(body) {
		return models.Finding{}, false
	}

	severity := models.SeverityMedium
	description := "An environment file is served to anyone; these files typically hold service configuration."
	var keys []string
	for _, line := range strings.Split(string(body), "\n") {
		if i := strings.IndexByte(line, '='); i > 0 && envAssignment.MatchString(line) {
			keys = append(keys, strings.TrimSpace(line[:i]))
		}
	}
	if envSensitiveKey.Match(body) {
		severity = models.SeverityHigh
		description = "An environment file holding credential-like keys is served to anyone."
	}

	// Only variable names go into evidence; the values are the secret.
	return models.Finding{
		Type:        "exposed_env_file",
		Title:       "Environment file is publicly readable",
		Severity:    severity,
		CWE:         "CWE-538",
		Description: description,
		Remediation: "Remove the file from the web root and rotate every secret it contained.",
		Evidence:    "keys: " + strings.Join(keys, ", "),
	}, true
}

func (s *exposureScanner) inspectServerStatus(body []byte) (models.Finding, bool) {
	text := string(body)
	if !strings.Contains(text, "Apache Server Status") && !strings.Contains(text, "Server uptime") {
		return models.Finding{}, false
	}
	return models.Finding{
		Type:        "exposed_server_status",
		Title:       "Apache mod_status page is publicly readable",
		Severity:    models.SeverityMedium,
		CWE:         "CWE-200",
		Description: "The status page reveals server version, uptime, worker state and, with ExtendedStatus, the URLs of in-flight requests from other clients.",
		Remediation: "Restrict /server-status to internal addresses.",
		Evidence:    firstLines(text, 3),
	}, true
}

func (s *exposureScanner) inspectPHPInfo(body []byte) (models.Finding, bool) {
	text := string(body)
	if !strings.Contains(text, "phpinfo()") && !strings.Contains(text, "PHP Version") {
		return models.Finding{}, false
	}
	return models.Finding{
		Type:        "exposed_phpinfo",
		Title:       "phpinfo() output is publicly readable",
		Severity:    models.SeverityHigh,
		CWE:         "CWE-200",
		Description: "phpinfo() dumps the PHP build, loaded extensions, file paths and environment variables, which often include credentials.",
		Remediation: "Delete the phpinfo script from the web root.",
		Evidence:    firstLines(text, 3),
	}, true
}

// dsStoreMagic is the Bud1 allocator signature at the start of every
// .DS_Store file.
var dsStoreMagic = []byte{0x00, 0x00, 0x00, 0x01, 'B', 'u', 'd', '1'}

func (s *exposureScanner) inspectDSStore(body []byte) (models.Finding, bool) {
	if !bytes.HasPrefix(body, dsStoreMagic) {
		return models.Finding{}, false
	}
	return models.Finding{
		Type:        "exposed_ds_store",
		Title:       ".DS_Store file is publicly readable",
		Severity:    models.SeverityLow,
		CWE:         "CWE-538",
		Description: "macOS Finder metadata lists the names of sibling files and directories, disclosing paths that were never linked publicly.",
		Remediation: "Delete .DS_Store files from the web root and exclude them from deploys.",
	}, true
}

func (s *exposureScanner) inspectSVNEntries(body []byte) (models.Finding, bool) {
	trimmed := bytes.TrimSpace(body)
	// Modern clients write a single format number; pre-1.7 files carry
	// the full entries list with dir markers.
	firstLine := trimmed
	if i := bytes.IndexByte(trimmed, '\n'); i >= 0 {
		firstLine = trimmed[:i]
	}
	if !isSmallInteger(string(firstLine)) && !bytes.Contains(body, []byte("svn:")) {
		return models.Finding{}, false
	}
	return models.Finding{
		Type:        "exposed_svn_metadata",
		Title:       "Subversion metadata is publicly readable",
		Severity:    models.SeverityMedium,
		CWE:         "CWE-538",
		Description: "/.svn/entries is served to anyone, which usually means the whole .svn directory is exposed and working-copy contents can be recovered.",
		Remediation: "Block access to the .svn directory at the web server.",
	}, true
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.HasPrefix(head, []byte("<!doctype")) || bytes.HasPrefix(head, []byte("<html"))
}

func firstLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func isSmallInteger(s string) bool {
	if len(s) == 0 || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
