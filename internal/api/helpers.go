package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a PipelineError to its HTTP status and writes the error
// body. Untyped errors become 500s.
func writeError(w http.ResponseWriter, err error) {
	var perr *schema.PipelineError
	if !errors.As(err, &perr) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"code":    schema.ErrCodeExecution,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, statusForCode(perr.Code), perr)
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeDuplicate, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeGatewayTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 extracts an int64 query param with a default value.
func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
