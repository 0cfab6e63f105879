package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CosmoTheDev/webscan-engine/internal/engine"
	"github.com/CosmoTheDev/webscan-engine/internal/findings"
	"github.com/CosmoTheDev/webscan-engine/internal/profiles"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// buildHandler wires every gateway route onto a ServeMux.
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", gw.handleHealth)

	mux.HandleFunc("POST /api/scans", gw.handleStartScan)
	mux.HandleFunc("GET /api/scans", gw.handleListScans)
	mux.HandleFunc("GET /api/scans/{id}", gw.handleGetScan)
	mux.HandleFunc("GET /api/scans/{id}/results", gw.handleGetResults)
	mux.HandleFunc("DELETE /api/scans/{id}", gw.handleCancelScan)

	mux.HandleFunc("GET /api/scanners", gw.handleListScanners)
	mux.HandleFunc("GET /api/profiles", gw.handleListProfiles)
	mux.HandleFunc("GET /api/lifecycles", gw.handleLifecycles)
	mux.HandleFunc("GET /api/engine/metrics", gw.handleEngineMetrics)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /events", gw.handleEvents)

	mux.HandleFunc("GET /api/schedules", gw.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", gw.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", gw.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", gw.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/run", gw.handleRunSchedule)

	return mux
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.heartbeat.computeStatus())
}

func (gw *Gateway) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req models.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	id, err := gw.startScan(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"scan_id": id,
		"status":  string(models.ScanPending),
	})
}

func (gw *Gateway) handleListScans(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	live := gw.engine.ListScans()
	archived, err := gw.store.ListScans(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Archived rows for scans the engine still holds are duplicates.
	inMemory := make(map[string]struct{}, len(live))
	for _, s := range live {
		inMemory[s.ScanID] = struct{}{}
	}
	deduped := archived[:0]
	for _, rec := range archived {
		if _, ok := inMemory[rec.ScanID]; !ok {
			deduped = append(deduped, rec)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"live":     live,
		"archived": deduped,
	})
}

func (gw *Gateway) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := gw.engine.GetScan(id)
	if err != nil {
		if engine.StatusOf(err) != engine.StatusNotFound {
			writeEngineError(w, err)
			return
		}
		// Fall back to the archive for scans the engine aged out.
		snap, err = gw.store.GetScan(r.Context(), id)
		if errors.Is(err, findings.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no scan with id "+id)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (gw *Gateway) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := gw.engine.GetResults(id)
	if err != nil {
		if engine.StatusOf(err) != engine.StatusNotFound {
			writeEngineError(w, err)
			return
		}
		snap, archived, serr := gw.store.GetResults(r.Context(), id)
		if errors.Is(serr, findings.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no scan with id "+id)
			return
		}
		if serr != nil {
			writeError(w, http.StatusInternalServerError, serr.Error())
			return
		}
		res = engine.Results{
			ScanID:           snap.ScanID,
			Target:           snap.Target.Raw,
			Status:           snap.Status,
			Findings:         archived,
			Counters:         snap.Counters,
			Categories:       snap.Categories,
			DeadlineExceeded: snap.DeadlineExceeded,
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := gw.engine.CancelScan(id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scan_id": id, "status": "cancelled"})
}

func (gw *Gateway) handleListScanners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scanners": gw.engine.ListScanners()})
}

func (gw *Gateway) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	all, err := profiles.List(gw.profilesDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": all})
}

func (gw *Gateway) handleLifecycles(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		writeError(w, http.StatusBadRequest, "origin query parameter is required")
		return
	}
	entries, err := gw.store.Lifecycles(r.Context(), origin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"origin": origin, "lifecycles": entries})
}

func (gw *Gateway) handleEngineMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.engine.Metrics())
}
