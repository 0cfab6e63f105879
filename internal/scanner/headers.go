package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/models"
)

func init() {
	Register("headers", func() Scanner { return &headersScanner{} })
}

// headersScanner audits the security response headers on the target's
// front page.
type headersScanner struct{}

func (s *headersScanner) Name() string { return "headers" }

func (s *headersScanner) Metadata() Metadata {
	return Metadata{
		Name:        "headers",
		Stage:       StageAnalysis,
		Category:    CategoryHardening,
		Intensity:   IntensityLow,
		Description: "Checks security response headers (CSP, HSTS, frame and content-type protections)",
	}
}

type headerCheck struct {
	header      string
	findingType string
	title       string
	severity    models.SeverityLevel
	cwe         string
	description string
	remediation string
	httpsOnly   bool
}

var headerChecks = []headerCheck{
	{
		header:      "Content-Security-Policy",
		findingType: "missing_csp",
		title:       "Content-Security-Policy header is missing",
		severity:    models.SeverityMedium,
		cwe:         "CWE-693",
		description: "Without a Content-Security-Policy, injected markup and scripts execute with no browser-side restriction.",
		remediation: "Define a Content-Security-Policy that restricts script and object sources to trusted origins.",
	},
	{
		header:      "Strict-Transport-Security",
		findingType: "missing_hsts",
		title:       "Strict-Transport-Security header is missing",
		severity:    models.SeverityMedium,
		cwe:         "CWE-319",
		description: "Browsers will still attempt plain HTTP connections, exposing users to downgrade and interception attacks.",
		remediation: "Send Strict-Transport-Security with a max-age of at least six months on every HTTPS response.",
		httpsOnly:   true,
	},
	{
		header:      "X-Content-Type-Options",
		findingType: "missing_content_type_options",
		title:       "X-Content-Type-Options header is missing",
		severity:    models.SeverityLow,
		cwe:         "CWE-16",
		description: "Without nosniff, browsers may MIME-sniff responses into executable types.",
		remediation: "Send X-Content-Type-Options: nosniff on every response.",
	},
	{
		header:      "X-Frame-Options",
		findingType: "missing_frame_options",
		title:       "X-Frame-Options header is missing",
		severity:    models.SeverityMedium,
		cwe:         "CWE-1021",
		description: "The page can be framed by other origins, enabling clickjacking.",
		remediation: "Send X-Frame-Options: DENY (or use the frame-ancestors CSP directive).",
	},
	{
		header:      "Referrer-Policy",
		findingType: "missing_referrer_policy",
		title:       "Referrer-Policy header is missing",
		severity:    models.SeverityInfo,
		cwe:         "CWE-200",
		description: "Full URLs, including path and query, leak to third parties through the Referer header.",
		remediation: "Send Referrer-Policy: strict-origin-when-cross-origin or stricter.",
	},
	{
		header:      "Permissions-Policy",
		findingType: "missing_permissions_policy",
		title:       "Permissions-Policy header is missing",
		severity:    models.SeverityInfo,
		cwe:         "CWE-16",
		description: "Powerful browser features (camera, geolocation, microphone) stay available to all embedded content.",
		remediation: "Send a Permissions-Policy that disables features the site does not use.",
	},
}

func (s *headersScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	target := in.Target.Origin + "/"
	in.URLVisited(target)

	resp, err := in.Client.Get(ctx, target)
	if err != nil {
		return res, err
	}

	https := in.Target.Scheme == "https"
	for _, check := range headerChecks {
		if check.httpsOnly && !https {
			continue
		}
		if resp.Header.Get(check.header) != "" {
			continue
		}
		res.addFinding(in.Emit(models.Finding{
			Type:        check.findingType,
			Title:       check.title,
			Severity:    check.severity,
			CWE:         check.cwe,
			Category:    "A05:2021",
			Location:    target,
			Description: check.description,
			Remediation: check.remediation,
			ScannerName: s.Name(),
		}))
	}

	// CSP present but trivially bypassable.
	if csp := resp.Header.Get("Content-Security-Policy"); csp != "" {
		lower := strings.ToLower(csp)
		if strings.Contains(lower, "unsafe-inline") || strings.Contains(lower, "unsafe-eval") {
			res.addFinding(in.Emit(models.Finding{
				Type:        "weak_csp",
				Title:       "Content-Security-Policy allows unsafe script execution",
				Severity:    models.SeverityLow,
				CWE:         "CWE-693",
				Category:    "A05:2021",
				Location:    target,
				Description: "The policy permits 'unsafe-inline' or 'unsafe-eval', which defeats most of the protection CSP offers against injected scripts.",
				Remediation: "Replace unsafe-inline with nonces or hashes and remove unsafe-eval.",
				Evidence:    "Content-Security-Policy: " + csp,
				ScannerName: s.Name(),
			}))
		}
	}

	if xss := resp.Header.Get("X-XSS-Protection"); xss != "" && strings.HasPrefix(xss, "1") {
		res.addFinding(in.Emit(models.Finding{
			Type:        "deprecated_xss_protection",
			Title:       "Deprecated X-XSS-Protection header is enabled",
			Severity:    models.SeverityInfo,
			CWE:         "CWE-16",
			Category:    "A05:2021",
			Location:    target,
			Description: fmt.Sprintf("X-XSS-Protection (%q) is deprecated; the auditor it controlled introduced its own vulnerabilities and modern browsers ignore it.", xss),
			Remediation: "Remove the header and rely on a strict Content-Security-Policy.",
			Evidence:    "X-XSS-Protection: " + xss,
			ScannerName: s.Name(),
		}))
	}

	return res, nil
}
