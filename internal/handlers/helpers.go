package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteAppError maps an error to its HTTP status through the error taxonomy
// and writes the public message. Internal details go to the log only.
func WriteAppError(w http.ResponseWriter, logger arbor.ILogger, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Str("path", r.URL.Path).Err(err).Msg("Request failed")
	}
	WriteError(w, status, apperrors.PublicMessage(err))
}

// PathSegments splits the request path into its non-empty segments.
func PathSegments(r *http.Request) []string {
	return strings.Split(strings.Trim(r.URL.Path, "/"), "/")
}

// QueryInt reads an integer query parameter, falling back to def when absent
// or malformed.
func QueryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}

// QueryBool reads a boolean query parameter.
func QueryBool(r *http.Request, name string) bool {
	raw := strings.ToLower(r.URL.Query().Get(name))
	return raw == "true" || raw == "1" || raw == "yes"
}
