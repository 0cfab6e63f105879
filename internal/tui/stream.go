package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Envelope is one decoded SSE frame from the gateway's /events stream.
// Data stays raw until the view knows the event type.
type Envelope struct {
	Type      string          `json:"type"`
	ScanID    string          `json:"scan_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// StreamError is delivered on the channel when the stream breaks before
// the scan completes.
type StreamError struct {
	Err error
}

// OpenStream connects to the gateway's SSE endpoint for scanID and decodes
// frames onto the returned channel. The channel closes when the stream
// ends (scan finished) or ctx is cancelled; a terminal read failure is
// delivered as a StreamError message first.
func OpenStream(ctx context.Context, gatewayURL, scanID string) (<-chan any, error) {
	url := strings.TrimRight(gatewayURL, "/") + "/events?scan_id=" + scanID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream lives as long as the scan.
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("gateway returned %s for scan %s", resp.Status, scanID)
	}

	ch := make(chan any, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt Envelope
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- StreamError{Err: err}
		}
	}()
	return ch, nil
}
