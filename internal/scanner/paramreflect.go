package scanner

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// paramreflectMaxProbes bounds injected requests per scan.
const paramreflectMaxProbes = 30

// reflectMarkers are the characters that must survive unencoded for a
// reflection to be script-capable.
const reflectMarkers = `"'<>`

func init() {
	Register("paramreflect", func() Scanner { return &paramreflectScanner{} })
}

// paramreflectScanner injects canary values into query parameters and form
// fields and checks whether responses reflect them without encoding.
type paramreflectScanner struct{}

func (s *paramreflectScanner) Name() string { return "paramreflect" }

func (s *paramreflectScanner) Metadata() Metadata {
	return Metadata{
		Name:           "paramreflect",
		Stage:          StageProbing,
		Category:       CategoryInjection,
		Intensity:      IntensityHigh,
		Description:    "Injects canaries into parameters and forms to detect unencoded reflection",
		NeedsInventory: true,
		LongRunning:    true,
	}
}

// reflectProbe is one injection point.
type reflectProbe struct {
	method string
	target string // URL with the canary injected, or form action for POST
	body   string // urlencoded form body for POST probes
	where  string // "parameter x" or "form field x", for the finding title
	page   string
}

func (s *paramreflectScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}
	canary := newCanary()
	payload := canary + reflectMarkers

	probes := buildReflectProbes(in.Inventory, payload)
	if len(probes) > paramreflectMaxProbes {
		probes = probes[:paramreflectMaxProbes]
	}

	seenEncoded := make(map[string]bool)
	for _, probe := range probes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		in.URLVisited(probe.target)

		req := httpclient.Request{Method: probe.method, URL: probe.target, NoCache: true}
		if probe.body != "" {
			req.Body = []byte(probe.body)
			req.Header = http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}}
		}
		resp, err := in.Client.Do(ctx, req)
		if err != nil {
			if kind := httpclient.KindOf(err); kind == httpclient.KindCancelled || kind == httpclient.KindTimeout {
				return res, err
			}
			continue
		}
		if !isHTMLResponse(resp) {
			continue
		}

		body := string(resp.Body)
		switch {
		case strings.Contains(body, payload):
			res.addFinding(in.Emit(models.Finding{
				Type:        "reflected_input_unencoded",
				Title:       "Input from " + probe.where + " is reflected without encoding",
				Severity:    models.SeverityHigh,
				CWE:         "CWE-79",
				Category:    "A03:2021",
				Location:    probe.page,
				Description: "The injected value came back in the HTML byte-for-byte, including quote and angle-bracket characters, so attacker-controlled input can introduce markup and script.",
				Remediation: "HTML-encode untrusted input at output time, in every context it is written into.",
				Evidence:    "injected: " + payload + "\nvia: " + probe.where,
				ScannerName: s.Name(),
			}))
		case strings.Contains(body, canary) && !seenEncoded[probe.page]:
			// Canary survived but the markers were encoded or stripped.
			seenEncoded[probe.page] = true
			res.addFinding(in.Emit(models.Finding{
				Type:        "reflected_input_encoded",
				Title:       "Input from " + probe.where + " is reflected into the page",
				Severity:    models.SeverityInfo,
				CWE:         "CWE-79",
				Category:    "A03:2021",
				Location:    probe.page,
				Description: "Input is echoed into the response with special characters encoded. Encoding appears effective here, but every reflection point deserves review for contexts the encoding does not cover.",
				Remediation: "Confirm the encoding matches the output context (HTML body, attribute, script, URL).",
				Evidence:    "via: " + probe.where,
				ScannerName: s.Name(),
			}))
		}
	}

	return res, nil
}

// newCanary returns a short value unlikely to occur naturally in a page.
func newCanary() string {
	return "wsc" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// buildReflectProbes derives injection points from crawled query parameters
// and forms. Query probes replace one parameter at a time so the page still
// renders its usual view.
func buildReflectProbes(inv *Inventory, payload string) []reflectProbe {
	if inv == nil {
		return nil
	}
	var probes []reflectProbe

	for _, page := range inv.Pages {
		params := inv.Params[page.URL]
		if len(params) == 0 {
			continue
		}
		u, err := url.Parse(page.URL)
		if err != nil {
			continue
		}
		for _, name := range params {
			q := u.Query()
			q.Set(name, payload)
			mutated := *u
			mutated.RawQuery = q.Encode()
			probes = append(probes, reflectProbe{
				method: http.MethodGet,
				target: mutated.String(),
				where:  "parameter " + name,
				page:   page.URL,
			})
		}
	}

	for _, form := range inv.Forms {
		if len(form.Inputs) == 0 || form.Action == "" {
			continue
		}
		values := url.Values{}
		for _, input := range form.Inputs {
			values.Set(input, payload)
		}
		switch strings.ToUpper(form.Method) {
		case http.MethodPost:
			probes = append(probes, reflectProbe{
				method: http.MethodPost,
				target: form.Action,
				body:   values.Encode(),
				where:  "form at " + form.Action,
				page:   form.Page,
			})
		default:
			u, err := url.Parse(form.Action)
			if err != nil {
				continue
			}
			u.RawQuery = values.Encode()
			probes = append(probes, reflectProbe{
				method: http.MethodGet,
				target: u.String(),
				where:  "form at " + form.Action,
				page:   form.Page,
			})
		}
	}

	return probes
}

func isHTMLResponse(resp *httpclient.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	media, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return media == "text/html" || media == "application/xhtml+xml"
}
