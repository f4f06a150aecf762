package server

import (
	"encoding/json"
	"net/http"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/logger"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

// writeError maps an error to its HTTP status and writes the JSON error
// body. Unclassified errors become opaque 500s so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Errorw("Request failed", "error", err)
		msg = "internal error"
	}

	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// classify resolves an error against the service error taxonomy
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.IsInvalidRequest(err):
		return http.StatusBadRequest, "bad_request"
	case errors.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.IsConflict(err),
		errors.Is(err, errors.ErrAlreadyExists),
		errors.Is(err, errors.ErrStaleState),
		errors.Is(err, errors.ErrLeaseHeld):
		return http.StatusConflict, "conflict"
	case errors.IsUnavailable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// readJSON decodes a JSON request body into v
func readJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
