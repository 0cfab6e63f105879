package osv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBatchQuerySendsQueriesInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/querybatch" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var req BatchQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Queries) != 2 {
			t.Fatalf("queries = %+v", req.Queries)
		}
		if req.Queries[0].Package.Name != "lodash" || req.Queries[0].Version != "4.17.20" {
			t.Errorf("first query = %+v", req.Queries[0])
		}
		fmt.Fprint(w, `{"results":[{"vulns":[{"id":"GHSA-1"}]},{"vulns":[]}]}`)
	}))
	defer srv.Close()

	c := NewWithBase(srv.URL)
	results, err := c.BatchQuery(context.Background(), []PackageQuery{
		{Package: PackageID{Name: "lodash", Ecosystem: "npm"}, Version: "4.17.20"},
		{Package: PackageID{Name: "vue", Ecosystem: "npm"}, Version: "2.6.10"},
	})
	if err != nil {
		t.Fatalf("batch query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if len(results[0].Vulns) != 1 || results[0].Vulns[0].ID != "GHSA-1" {
		t.Fatalf("first result = %+v", results[0])
	}
	if len(results[1].Vulns) != 0 {
		t.Fatalf("second result should be clean: %+v", results[1])
	}
}

func TestBatchQueryEmptyInputSkipsNetwork(t *testing.T) {
	c := NewWithBase("http://127.0.0.1:0")
	results, err := c.BatchQuery(context.Background(), nil)
	if err != nil || results != nil {
		t.Fatalf("empty query: results=%v err=%v", results, err)
	}
}

func TestGetVulnReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewWithBase(srv.URL)
	if _, err := c.GetVuln(context.Background(), "GHSA-nope"); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestSummarizePicksCVEFixAndLabel(t *testing.T) {
	v := Vuln{
		ID:      "GHSA-abc",
		Summary: "Example issue",
		Aliases: []string{"OSV-2020-1", "CVE-2020-1234"},
		Severity: []Severity{
			{Type: "CVSS_V2", Score: "5.0"},
			{Type: "CVSS_V3", Score: "7.5"},
		},
		References: []Reference{
			{Type: "WEB", URL: "https://example.com/blog"},
			{Type: "ADVISORY", URL: "https://example.com/advisory"},
		},
		Affected: []Affected{
			{
				Package: PackageID{Name: "other", Ecosystem: "PyPI"},
				Ranges:  []AffectedRange{{Events: []RangeEvent{{Fixed: "9.9.9"}}}},
			},
			{
				Package: PackageID{Name: "lodash", Ecosystem: "npm"},
				Ranges:  []AffectedRange{{Events: []RangeEvent{{Introduced: "0"}, {Fixed: "4.17.21"}}}},
			},
		},
		DatabaseSpecific: DatabaseSpecific{Severity: "high"},
	}

	adv := Summarize(v, PackageID{Name: "lodash", Ecosystem: "npm"})
	if adv.CVE != "CVE-2020-1234" {
		t.Fatalf("cve = %q", adv.CVE)
	}
	if adv.CVSSScore != 7.5 {
		t.Fatalf("score = %v, want v3 preferred", adv.CVSSScore)
	}
	if adv.Reference != "https://example.com/advisory" {
		t.Fatalf("reference = %q", adv.Reference)
	}
	if adv.Fixed != "4.17.21" {
		t.Fatalf("fixed = %q, want the npm entry's fix", adv.Fixed)
	}
	if adv.Label != "HIGH" {
		t.Fatalf("label = %q", adv.Label)
	}
}

func TestParseCVSSScoreIgnoresVectors(t *testing.T) {
	if got := parseCVSSScore("9.8"); got != 9.8 {
		t.Fatalf("numeric score = %v", got)
	}
	if got := parseCVSSScore("CVSS:3.1/AV:N/AC:L"); got != 0 {
		t.Fatalf("vector should yield 0, got %v", got)
	}
}
