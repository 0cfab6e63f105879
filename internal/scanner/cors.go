package scanner

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/models"
)

func init() {
	Register("cors", func() Scanner { return &corsScanner{} })
}

// corsScanner probes the target's CORS policy with attacker-style Origin
// headers.
type corsScanner struct{}

func (s *corsScanner) Name() string { return "cors" }

func (s *corsScanner) Metadata() Metadata {
	return Metadata{
		Name:        "cors",
		Stage:       StageAnalysis,
		Category:    CategoryHardening,
		Intensity:   IntensityLow,
		Description: "Probes for permissive CORS policies (reflected, wildcard and null origins)",
	}
}

func (s *corsScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	target := in.Target.Origin + "/"

	probe := func(origin string) (*httpclient.Response, error) {
		in.URLVisited(target)
		h := http.Header{}
		h.Set("Origin", origin)
		// The cache keys on URL only, so origin-dependent answers must
		// go to the wire every time.
		return in.Client.Do(ctx, httpclient.Request{
			Method:  http.MethodGet,
			URL:     target,
			Header:  h,
			NoCache: true,
		})
	}

	foreign := "https://interop-check.invalid"
	resp, err := probe(foreign)
	if err != nil {
		return res, err
	}
	acao := resp.Header.Get("Access-Control-Allow-Origin")
	credentials := strings.EqualFold(resp.Header.Get("Access-Control-Allow-Credentials"), "true")

	switch {
	case acao == foreign:
		severity := models.SeverityMedium
		description := "The server reflects arbitrary Origin values into Access-Control-Allow-Origin, so any site can read responses from this origin."
		if credentials {
			severity = models.SeverityHigh
			description = "The server reflects arbitrary Origin values and allows credentials, so any site can read authenticated responses from this origin on behalf of a visiting user."
		}
		res.addFinding(in.Emit(models.Finding{
			Type:        "cors_reflected_origin",
			Title:       "CORS policy reflects arbitrary origins",
			Severity:    severity,
			CWE:         "CWE-942",
			Category:    "A05:2021",
			Location:    target,
			Description: description,
			Remediation: "Validate the Origin header against an explicit allowlist instead of echoing it back.",
			Evidence:    corsEvidence(foreign, resp),
			ScannerName: s.Name(),
		}))
	case acao == "*" && credentials:
		res.addFinding(in.Emit(models.Finding{
			Type:        "cors_wildcard_with_credentials",
			Title:       "CORS policy combines a wildcard origin with credentials",
			Severity:    models.SeverityMedium,
			CWE:         "CWE-942",
			Category:    "A05:2021",
			Location:    target,
			Description: "Access-Control-Allow-Origin: * together with Access-Control-Allow-Credentials: true signals a misconfigured policy; browsers reject the combination, and relaxing either side would expose authenticated data cross-origin.",
			Remediation: "Either drop Allow-Credentials or replace the wildcard with an explicit allowlist.",
			Evidence:    corsEvidence(foreign, resp),
			ScannerName: s.Name(),
		}))
	}

	if resp, err = probe("null"); err != nil {
		return res, err
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "null" {
		severity := models.SeverityMedium
		if strings.EqualFold(resp.Header.Get("Access-Control-Allow-Credentials"), "true") {
			severity = models.SeverityHigh
		}
		res.addFinding(in.Emit(models.Finding{
			Type:        "cors_null_origin_allowed",
			Title:       "CORS policy trusts the null origin",
			Severity:    severity,
			CWE:         "CWE-942",
			Category:    "A05:2021",
			Location:    target,
			Description: "Sandboxed iframes and local documents send Origin: null; trusting it lets attacker-controlled sandboxed content read responses from this origin.",
			Remediation: "Never allowlist the literal \"null\" origin.",
			Evidence:    corsEvidence("null", resp),
			ScannerName: s.Name(),
		}))
	}

	return res, nil
}

// corsEvidence records the probe origin and the policy headers it elicited.
func corsEvidence(origin string, resp *httpclient.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Origin: %s\n", origin)
	fmt.Fprintf(&b, "Access-Control-Allow-Origin: %s", resp.Header.Get("Access-Control-Allow-Origin"))
	if v := resp.Header.Get("Access-Control-Allow-Credentials"); v != "" {
		fmt.Fprintf(&b, "\nAccess-Control-Allow-Credentials: %s", v)
	}
	return b.String()
}
