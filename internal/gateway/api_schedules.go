package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// scheduleRequest is the JSON body for schedule create/update. Enabled
// defaults to true when omitted.
type scheduleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Expr        string `json:"expr"`
	Target      string `json:"target"`
	ScanType    string `json:"scan_type"`
	Profile     string `json:"profile"`
	Enabled     *bool  `json:"enabled"`
}

func (sr scheduleRequest) toSchedule() Schedule {
	enabled := true
	if sr.Enabled != nil {
		enabled = *sr.Enabled
	}
	return Schedule{
		Name:        strings.TrimSpace(sr.Name),
		Description: strings.TrimSpace(sr.Description),
		Expr:        strings.TrimSpace(sr.Expr),
		Target:      strings.TrimSpace(sr.Target),
		ScanType:    strings.TrimSpace(sr.ScanType),
		Profile:     strings.TrimSpace(sr.Profile),
		Enabled:     enabled,
	}
}

func (gw *Gateway) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := gw.scheduler.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if schedules == nil {
		schedules = []Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (gw *Gateway) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	sched := req.toSchedule()
	if sched.Name == "" || sched.Expr == "" || sched.Target == "" {
		writeError(w, http.StatusBadRequest, "name, expr, and target are required")
		return
	}

	id, err := gw.scheduler.Add(r.Context(), sched)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.ID = id
	writeJSON(w, http.StatusCreated, sched)
}

func (gw *Gateway) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := gw.scheduler.Update(r.Context(), id, req.toSchedule()); err != nil {
		if strings.Contains(err.Error(), "no schedule with id") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "updated": true})
}

func (gw *Gateway) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := gw.scheduler.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (gw *Gateway) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := gw.scheduler.RunNow(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "no schedule with id") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "triggered": true})
}
