package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/CosmoTheDev/webscan-engine/internal/engine"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine error statuses onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch engine.StatusOf(err) {
	case engine.StatusInvalidArgument:
		code = http.StatusBadRequest
	case engine.StatusNotFound:
		code = http.StatusNotFound
	case engine.StatusPreconditionFailed:
		code = http.StatusConflict
	}
	writeError(w, code, err.Error())
}

// pathID extracts a numeric path parameter by name from the request.
func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return 0, fmt.Errorf("missing path parameter %q", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
