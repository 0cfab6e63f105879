package osv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.osv.dev/v1"

// Client is an HTTP client for the OSV.dev API.
// OSV is free, unauthenticated, and allows ~100 req/s.
type Client struct {
	http *http.Client
	base string
}

// New returns a Client with a 15-second timeout.
func New() *Client {
	return NewWithBase(defaultBaseURL)
}

// NewWithBase returns a Client against a non-default API endpoint.
func NewWithBase(base string) *Client {
	return &Client{
		http: &http.Client{Timeout: 15 * time.Second},
		base: base,
	}
}

// BatchQuery queries OSV for multiple packages at once (POST /v1/querybatch).
// Up to 1000 entries per request; callers are responsible for chunking larger
// sets. Results come back in query order and carry only vulnerability IDs;
// use GetVuln for the full records.
func (c *Client) BatchQuery(ctx context.Context, queries []PackageQuery) ([]QueryResult, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(BatchQueryRequest{Queries: queries})
	if err != nil {
		return nil, fmt.Errorf("osv: marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/querybatch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("osv: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osv: batch query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("osv: batch query HTTP %d: %s", resp.StatusCode, string(b))
	}

	var result BatchQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("osv: decode batch response: %w", err)
	}
	return result.Results, nil
}

// GetVuln fetches the full record for one vulnerability (GET /v1/vulns/{id}).
func (c *Client) GetVuln(ctx context.Context, id string) (Vuln, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/vulns/"+url.PathEscape(id), nil)
	if err != nil {
		return Vuln{}, fmt.Errorf("osv: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Vuln{}, fmt.Errorf("osv: fetch %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Vuln{}, fmt.Errorf("osv: fetch %s HTTP %d: %s", id, resp.StatusCode, string(b))
	}

	var v Vuln
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Vuln{}, fmt.Errorf("osv: decode vuln %s: %w", id, err)
	}
	return v, nil
}
