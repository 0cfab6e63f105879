package scanner

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// newTestInput builds an Input wired to srv, with egress to loopback allowed.
func newTestInput(t *testing.T, srv *httptest.Server) *Input {
	t.Helper()
	cfg := config.HTTPConfig{
		MaxRetries:         1,
		BackoffBaseSeconds: 0.01,
		BackoffMaxSeconds:  0.02,
		BucketMaxTokens:    100,
		PerHostInitialRPS:  500,
		CacheTTLSeconds:    120,
		MaxResponseBytes:   1 << 20,
		UserAgent:          "webscan-test/1.0",
	}
	client := httpclient.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(client.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	client.AllowHost(u.Hostname())

	target, err := models.ParseTarget(srv.URL)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	return &Input{
		Target:           target,
		Client:           client,
		EvidenceMaxBytes: 8 * 1024,
	}
}

// findByType returns the first finding of the given type.
func findByType(t *testing.T, findings []models.Finding, typ string) models.Finding {
	t.Helper()
	for _, f := range findings {
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("no finding of type %q in %d findings: %+v", typ, len(findings), findingTypes(findings))
	return models.Finding{}
}

// hasType reports whether any finding has the given type.
func hasType(findings []models.Finding, typ string) bool {
	for _, f := range findings {
		if f.Type == typ {
			return true
		}
	}
	return false
}

func findingTypes(findings []models.Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Type
	}
	return out
}
