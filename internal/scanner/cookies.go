package scanner

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/models"
)

func init() {
	Register("cookies", func() Scanner { return &cookiesScanner{} })
}

// cookiesScanner inspects Set-Cookie attributes on the target's front page.
type cookiesScanner struct{}

func (s *cookiesScanner) Name() string { return "cookies" }

func (s *cookiesScanner) Metadata() Metadata {
	return Metadata{
		Name:        "cookies",
		Stage:       StageAnalysis,
		Category:    CategoryHardening,
		Intensity:   IntensityLow,
		Description: "Checks Secure, HttpOnly and SameSite attributes on cookies set by the target",
	}
}

// sessionHints marks cookie names that usually carry authentication state,
// where a missing flag matters more.
var sessionHints = []string{"sess", "auth", "token", "login", "sid", "jwt"}

func (s *cookiesScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	target := in.Target.Origin + "/"
	in.URLVisited(target)

	resp, err := in.Client.Get(ctx, target)
	if err != nil {
		return res, err
	}

	raw := resp.Header.Values("Set-Cookie")
	if len(raw) == 0 {
		return res, nil
	}
	cookies := (&http.Response{Header: resp.Header}).Cookies()

	https := in.Target.Scheme == "https"
	for i, c := range cookies {
		if c.Name == "" {
			continue
		}
		evidence := ""
		if i < len(raw) {
			evidence = "Set-Cookie: " + raw[i]
		}
		severity := models.SeverityLow
		if looksLikeSession(c.Name) {
			severity = models.SeverityMedium
		}

		if https && !c.Secure {
			res.addFinding(in.Emit(models.Finding{
				Type:        "cookie_missing_secure",
				Title:       fmt.Sprintf("Cookie %q is set without the Secure attribute", c.Name),
				Severity:    severity,
				CWE:         "CWE-614",
				Category:    "A05:2021",
				Location:    target,
				Description: "The cookie will also be sent over plain HTTP, where it can be read in transit.",
				Remediation: "Add the Secure attribute so the cookie is only sent over TLS.",
				Evidence:    evidence,
				ScannerName: s.Name(),
			}))
		}
		if !c.HttpOnly {
			res.addFinding(in.Emit(models.Finding{
				Type:        "cookie_missing_httponly",
				Title:       fmt.Sprintf("Cookie %q is set without the HttpOnly attribute", c.Name),
				Severity:    severity,
				CWE:         "CWE-1004",
				Category:    "A05:2021",
				Location:    target,
				Description: "Scripts on the page can read the cookie, so any XSS also steals it.",
				Remediation: "Add the HttpOnly attribute unless client-side code genuinely needs the value.",
				Evidence:    evidence,
				ScannerName: s.Name(),
			}))
		}
		if c.SameSite == http.SameSiteNoneMode && !c.Secure {
			res.addFinding(in.Emit(models.Finding{
				Type:        "cookie_samesite_none_insecure",
				Title:       fmt.Sprintf("Cookie %q uses SameSite=None without Secure", c.Name),
				Severity:    severity,
				CWE:         "CWE-1275",
				Category:    "A05:2021",
				Location:    target,
				Description: "SameSite=None requires the Secure attribute; browsers reject or downgrade the cookie, and where they do not, it is exposed cross-site over plain HTTP.",
				Remediation: "Add Secure to the cookie or drop SameSite=None.",
				Evidence:    evidence,
				ScannerName: s.Name(),
			}))
		} else if c.SameSite == http.SameSiteDefaultMode && i < len(raw) && !strings.Contains(strings.ToLower(raw[i]), "samesite") {
			res.addFinding(in.Emit(models.Finding{
				Type:        "cookie_missing_samesite",
				Title:       fmt.Sprintf("Cookie %q is set without a SameSite attribute", c.Name),
				Severity:    models.SeverityLow,
				CWE:         "CWE-1275",
				Category:    "A05:2021",
				Location:    target,
				Description: "Without SameSite the browser applies its own default, which differs across versions; the cookie may be sent on cross-site requests and assist CSRF.",
				Remediation: "Set SameSite=Lax (or Strict) explicitly.",
				Evidence:    evidence,
				ScannerName: s.Name(),
			}))
		}
	}

	return res, nil
}

func looksLikeSession(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range sessionHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
