package scanner

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/models"
)

func init() {
	Register("fingerprint", func() Scanner { return &fingerprintScanner{} })
}

// fingerprintScanner identifies the target's stack from response headers,
// cookies, and markup, and reports version disclosures along the way.
type fingerprintScanner struct{}

func (s *fingerprintScanner) Name() string { return "fingerprint" }

func (s *fingerprintScanner) Metadata() Metadata {
	return Metadata{
		Name:        "fingerprint",
		Stage:       StageRecon,
		Category:    CategoryRecon,
		Intensity:   IntensityLow,
		Description: "Identifies server software and frameworks from headers, cookies, and markup",
	}
}

var versionedToken = regexp.MustCompile(`^([A-Za-z][\w.-]*)/(\d[\w.-]*)`)

// cookieTech maps well-known session cookie names to the framework that
// sets them.
var cookieTech = map[string]string{
	"phpsessid":           "PHP",
	"jsessionid":          "Java",
	"asp.net_sessionid":   "ASP.NET",
	"laravel_session":     "Laravel",
	"csrftoken":           "Django",
	"_rails_session":      "Rails",
	"connect.sid":         "Express",
	"wordpress_logged_in": "WordPress",
}

func (s *fingerprintScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	target := in.Target.Origin + "/"
	in.URLVisited(target)

	resp, err := in.Client.Get(ctx, target)
	if err != nil {
		return res, err
	}

	sig := &Signals{}
	techSet := make(map[string]bool)

	if server := resp.Header.Get("Server"); server != "" {
		sig.Server = server
		if m := versionedToken.FindStringSubmatch(server); m != nil {
			techSet[m[1]] = true
			res.addFinding(in.Emit(models.Finding{
				Type:        "server_version_disclosure",
				Title:       "Server header discloses software version",
				Severity:    models.SeverityLow,
				CWE:         "CWE-200",
				Category:    "A05:2021",
				Location:    target,
				Description: fmt.Sprintf("The Server header advertises %q, letting attackers match the exact version against known vulnerabilities.", server),
				Remediation: "Configure the server to omit its version from the Server header.",
				Evidence:    "Server: " + server,
				ScannerName: s.Name(),
			}))
		} else {
			techSet[strings.Fields(server)[0]] = true
		}
	}

	if powered := resp.Header.Get("X-Powered-By"); powered != "" {
		sig.PoweredBy = powered
		if m := versionedToken.FindStringSubmatch(powered); m != nil {
			techSet[m[1]] = true
		} else {
			techSet[powered] = true
		}
		res.addFinding(in.Emit(models.Finding{
			Type:        "powered_by_disclosure",
			Title:       "X-Powered-By header discloses technology",
			Severity:    models.SeverityLow,
			CWE:         "CWE-200",
			Category:    "A05:2021",
			Location:    target,
			Description: fmt.Sprintf("The X-Powered-By header advertises %q.", powered),
			Remediation: "Remove the X-Powered-By header in the server or framework configuration.",
			Evidence:    "X-Powered-By: " + powered,
			ScannerName: s.Name(),
		}))
	}

	if aspVersion := resp.Header.Get("X-AspNet-Version"); aspVersion != "" {
		techSet["ASP.NET"] = true
		res.addFinding(in.Emit(models.Finding{
			Type:        "aspnet_version_disclosure",
			Title:       "X-AspNet-Version header discloses framework version",
			Severity:    models.SeverityLow,
			CWE:         "CWE-200",
			Category:    "A05:2021",
			Location:    target,
			Description: fmt.Sprintf("The X-AspNet-Version header advertises %q.", aspVersion),
			Remediation: "Set enableVersionHeader=\"false\" in web.config.",
			Evidence:    "X-AspNet-Version: " + aspVersion,
			ScannerName: s.Name(),
		}))
	}

	for _, c := range parseSetCookies(resp.Header) {
		if tech, ok := cookieTech[strings.ToLower(c.Name)]; ok {
			techSet[tech] = true
		}
	}

	if gen := metaGenerator(resp.Body); gen != "" {
		techSet[gen] = true
	}

	sig.Technologies = make([]string, 0, len(techSet))
	for tech := range techSet {
		sig.Technologies = append(sig.Technologies, tech)
	}
	sort.Strings(sig.Technologies)
	res.Signals = sig
	return res, nil
}

var metaGeneratorPattern = regexp.MustCompile(`(?i)<meta[^>]+name=["']generator["'][^>]+content=["']([^"']+)["']`)

func metaGenerator(body []byte) string {
	m := metaGeneratorPattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// parseSetCookies reads Set-Cookie headers without needing a live
// http.Response round trip.
func parseSetCookies(h http.Header) []*http.Cookie {
	dummy := http.Response{Header: h}
	return dummy.Cookies()
}
