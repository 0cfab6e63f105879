package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents bridges a scan's event bus onto an SSE stream: buffered
// history replays first, then live events until the scan ends and its bus
// drains, or the client disconnects.
func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	scanID := r.URL.Query().Get("scan_id")
	if scanID == "" {
		writeError(w, http.StatusBadRequest, "scan_id query parameter is required")
		return
	}

	sub, err := gw.engine.Subscribe(scanID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.C:
			if !open {
				return
			}
			b, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}
