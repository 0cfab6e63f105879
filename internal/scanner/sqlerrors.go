package scanner

import (
	"context"
	"net/url"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// sqlerrorsMaxProbes bounds injected requests per scan.
const sqlerrorsMaxProbes = 20

func init() {
	Register("sqlerrors", func() Scanner { return &sqlerrorsScanner{} })
}

// sqlerrorsScanner appends a quote to discovered parameters and watches for
// database error text in the response.
type sqlerrorsScanner struct{}

func (s *sqlerrorsScanner) Name() string { return "sqlerrors" }

func (s *sqlerrorsScanner) Metadata() Metadata {
	return Metadata{
		Name:           "sqlerrors",
		Stage:          StageProbing,
		Category:       CategoryInjection,
		Intensity:      IntensityHigh,
		Description:    "Detects SQL error disclosure triggered by malformed parameter values",
		NeedsInventory: true,
		LongRunning:    true,
	}
}

// sqlErrorSignatures are engine-specific fragments of unhandled query errors.
var sqlErrorSignatures = []string{
	"You have an error in your SQL syntax",
	"Warning: mysql_",
	"Warning: mysqli_",
	"MySQLSyntaxErrorException",
	"PG::SyntaxError",
	"unterminated quoted string at or near",
	"pg_query():",
	"SQLite3::SQLException",
	"unrecognized token:",
	"SQLITE_ERROR",
	"Unclosed quotation mark after the character string",
	"Microsoft OLE DB Provider for SQL Server",
	"ORA-00933",
	"ORA-01756",
	"quoted string not properly terminated",
}

func (s *sqlerrorsScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	if in.Inventory == nil {
		return res, nil
	}

	probes := 0
	reportedPage := make(map[string]bool)
	for _, page := range in.Inventory.Pages {
		params := in.Inventory.Params[page.URL]
		if len(params) == 0 {
			continue
		}
		u, err := url.Parse(page.URL)
		if err != nil {
			continue
		}

		// One baseline per page; a site that always prints SQL errors is a
		// disclosure, not proof of injection.
		baseline, err := in.Client.Get(ctx, page.URL)
		if err != nil {
			if kind := httpclient.KindOf(err); kind == httpclient.KindCancelled || kind == httpclient.KindTimeout {
				return res, err
			}
			continue
		}
		baselineSig := matchSQLError(baseline.Body)
		if baselineSig != "" && !reportedPage[page.URL] {
			reportedPage[page.URL] = true
			res.addFinding(in.Emit(models.Finding{
				Type:        "sql_error_disclosure",
				Title:       "Page discloses database error details",
				Severity:    models.SeverityMedium,
				CWE:         "CWE-209",
				Category:    "A03:2021",
				Location:    page.URL,
				Description: "The page already renders raw database error text without any malformed input, leaking engine type and query structure.",
				Remediation: "Return a generic error page and log query failures server-side.",
				Evidence:    "matched: " + baselineSig,
				ScannerName: s.Name(),
			}))
		}

		for _, name := range params {
			if probes >= sqlerrorsMaxProbes {
				return res, nil
			}
			probes++

			q := u.Query()
			q.Set(name, q.Get(name)+"'")
			mutated := *u
			mutated.RawQuery = q.Encode()
			target := mutated.String()
			in.URLVisited(target)

			resp, err := in.Client.Do(ctx, httpclient.Request{Method: "GET", URL: target, NoCache: true})
			if err != nil {
				if kind := httpclient.KindOf(err); kind == httpclient.KindCancelled || kind == httpclient.KindTimeout {
					return res, err
				}
				continue
			}
			sig := matchSQLError(resp.Body)
			if sig == "" || sig == baselineSig {
				continue
			}

			res.addFinding(in.Emit(models.Finding{
				Type:        "possible_sql_injection",
				Title:       "Parameter " + name + " triggers a database error",
				Severity:    models.SeverityHigh,
				CWE:         "CWE-89",
				Category:    "A03:2021",
				Location:    page.URL,
				Description: "Appending a single quote to the parameter produced a raw database error that the unmodified page does not show, which indicates the value reaches a query unescaped.",
				Remediation: "Use parameterized queries for every value that touches SQL.",
				Evidence:    "parameter: " + name + "\nmatched: " + sig,
				ScannerName: s.Name(),
			}))
		}
	}

	return res, nil
}

func matchSQLError(body []byte) string {
	text := string(body)
	for _, sig := range sqlErrorSignatures {
		if strings.Contains(text, sig) {
			return sig
		}
	}
	return ""
}
