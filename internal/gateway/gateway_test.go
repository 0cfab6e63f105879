package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
	"github.com/CosmoTheDev/webscan-engine/internal/database"
	"github.com/CosmoTheDev/webscan-engine/internal/engine"
	"github.com/CosmoTheDev/webscan-engine/models"
)

func testGatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Scan: config.ScanConfig{
			GlobalHardCapSeconds:  30,
			PerScannerCapSeconds:  10,
			MaxConcurrent:         8,
			PerHostMaxConcurrency: 4,
			Staged:                true,
			EvidenceMaxBytes:      4096,
		},
		HTTP: config.HTTPConfig{
			MaxRetries:         1,
			BackoffBaseSeconds: 0.01,
			BackoffMaxSeconds:  0.05,
			BucketMaxTokens:    100,
			PerHostInitialRPS:  500,
			CacheTTLSeconds:    60,
			MaxResponseBytes:   1 << 20,
			UserAgent:          "webscan-test/1.0",
			// Tests scan loopback httptest servers.
			BlockPrivateNetworks: false,
		},
		Events: config.EventsConfig{HistoryMax: 500, SubscriberBuffer: 1024},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "gateway.db"),
		},
		Profiles: config.ProfilesConfig{Dir: t.TempDir()},
	}
}

// newTestGateway builds a gateway on a migrated temp database and returns
// its HTTP handler behind an httptest server.
func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := testGatewayConfig(t)

	db, err := database.New(cfg.Database)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	eng := engine.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { eng.Shutdown(2 * time.Second) })

	gw := New(cfg, db, eng)
	srv := httptest.NewServer(buildHandler(gw))
	t.Cleanup(srv.Close)
	return gw, srv
}

// newScanTarget serves a minimal site with weak security posture so the
// headers scanner always finds something.
func newScanTarget(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><head><title>demo</title></head><body>hello</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func startScanViaAPI(t *testing.T, srv *httptest.Server, target string) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/scans", models.ScanRequest{
		Target:   target,
		ScanType: models.ScanTypeCustom,
		Options:  models.ScanOptions{Scanners: []string{"headers"}},
	})
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("POST /api/scans = %d: %s", resp.StatusCode, body)
	}
	var created struct {
		ScanID string `json:"scan_id"`
	}
	decodeBody(t, resp, &created)
	if created.ScanID == "" {
		t.Fatal("empty scan_id in create response")
	}
	return created.ScanID
}

func waitForTerminal(t *testing.T, srv *httptest.Server, scanID string) models.ScanSnapshot {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/api/scans/" + scanID)
		if err != nil {
			t.Fatalf("GET scan: %v", err)
		}
		var snap models.ScanSnapshot
		decodeBody(t, resp, &snap)
		if snap.Status.IsTerminal() {
			return snap
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("scan %s never reached a terminal state", scanID)
	return models.ScanSnapshot{}
}

func TestScanLifecycleOverAPI(t *testing.T) {
	_, srv := newTestGateway(t)
	target := newScanTarget(t)

	scanID := startScanViaAPI(t, srv, target.URL)
	snap := waitForTerminal(t, srv, scanID)
	if snap.Status != models.ScanCompleted {
		t.Fatalf("scan status = %s, want completed", snap.Status)
	}

	resp, err := http.Get(srv.URL + "/api/scans/" + scanID + "/results")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	var res engine.Results
	decodeBody(t, resp, &res)
	if res.ScanID != scanID {
		t.Errorf("results scan_id = %s, want %s", res.ScanID, scanID)
	}
	// The target serves no security headers at all.
	if len(res.Findings) == 0 {
		t.Error("expected findings from the headers scanner, got none")
	}

	// The list endpoint must show the scan as live (engine still holds it).
	listResp, err := http.Get(srv.URL + "/api/scans")
	if err != nil {
		t.Fatalf("GET scans: %v", err)
	}
	var listing struct {
		Live []models.ScanSnapshot `json:"live"`
	}
	decodeBody(t, listResp, &listing)
	found := false
	for _, s := range listing.Live {
		if s.ScanID == scanID {
			found = true
		}
	}
	if !found {
		t.Errorf("scan %s missing from live listing", scanID)
	}
}

func TestScanArchivedAfterCompletion(t *testing.T) {
	gw, srv := newTestGateway(t)
	target := newScanTarget(t)

	scanID := startScanViaAPI(t, srv, target.URL)
	waitForTerminal(t, srv, scanID)

	// The observer archives asynchronously after the bus drains.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := gw.store.GetScan(context.Background(), scanID); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("scan %s was never archived", scanID)
}

func TestEventsStream(t *testing.T) {
	_, srv := newTestGateway(t)
	target := newScanTarget(t)

	scanID := startScanViaAPI(t, srv, target.URL)
	waitForTerminal(t, srv, scanID)

	// Subscribing after completion replays history and closes.
	resp, err := http.Get(srv.URL + "/events?scan_id=" + scanID)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	stream := string(body)
	if !strings.Contains(stream, "data: ") {
		t.Error("stream contains no SSE data frames")
	}
	for _, want := range []string{"scan_started", "scan_completed"} {
		if !strings.Contains(stream, want) {
			t.Errorf("stream missing %s event", want)
		}
	}
}

func TestEventsRequiresScanID(t *testing.T) {
	_, srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET /events without scan_id = %d, want 400", resp.StatusCode)
	}
}

func TestGetScanNotFound(t *testing.T) {
	_, srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/api/scans/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartScanRejectsBadTarget(t *testing.T) {
	_, srv := newTestGateway(t)
	resp := postJSON(t, srv.URL+"/api/scans", models.ScanRequest{Target: "ftp://nope"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthAndScanners(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var hs HeartbeatStatus
	decodeBody(t, resp, &hs)
	if hs.Status != "idle" {
		t.Errorf("fresh gateway health = %q, want idle", hs.Status)
	}

	resp, err = http.Get(srv.URL + "/api/scanners")
	if err != nil {
		t.Fatal(err)
	}
	var listing struct {
		Scanners []struct {
			Name string `json:"name"`
		} `json:"scanners"`
	}
	decodeBody(t, resp, &listing)
	names := make(map[string]bool)
	for _, s := range listing.Scanners {
		names[s.Name] = true
	}
	for _, want := range []string{"headers", "crawl", "cors"} {
		if !names[want] {
			t.Errorf("scanner %s missing from listing", want)
		}
	}
}

func TestScheduleCRUD(t *testing.T) {
	_, srv := newTestGateway(t)

	resp := postJSON(t, srv.URL+"/api/schedules", map[string]any{
		"name":   "nightly",
		"expr":   "0 3 * * *",
		"target": "https://example.com",
	})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("create schedule = %d: %s", resp.StatusCode, body)
	}
	var created Schedule
	decodeBody(t, resp, &created)
	if created.ID == 0 || !created.Enabled || created.ScanType != "full" {
		t.Errorf("created schedule = %+v", created)
	}

	// Invalid cron expression is rejected.
	resp = postJSON(t, srv.URL+"/api/schedules", map[string]any{
		"name":   "broken",
		"expr":   "not-cron",
		"target": "https://example.com",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid expr = %d, want 400", resp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/api/schedules")
	if err != nil {
		t.Fatal(err)
	}
	var listing struct {
		Schedules []Schedule `json:"schedules"`
	}
	decodeBody(t, listResp, &listing)
	if len(listing.Schedules) != 1 {
		t.Fatalf("listed %d schedules, want 1", len(listing.Schedules))
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/schedules/%d", srv.URL, created.ID), nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("delete = %d, want 200", delResp.StatusCode)
	}

	listResp, _ = http.Get(srv.URL + "/api/schedules")
	listing.Schedules = nil
	decodeBody(t, listResp, &listing)
	if len(listing.Schedules) != 0 {
		t.Errorf("schedules remain after delete: %+v", listing.Schedules)
	}
}

func TestLifecyclesRequireOrigin(t *testing.T) {
	_, srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/api/lifecycles")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
