package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/opus/internal/models"
)

// DefaultPageSize bounds listings when the caller does not page explicitly
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
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

// WriteError writes the standard error envelope carrying the stable error kind
func WriteError(w http.ResponseWriter, statusCode int, err error) error {
	kind := models.ErrorKind(err)
	if kind == "" {
		kind = "internal_error"
	}
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"kind":   kind,
		"error":  err.Error(),
	})
}

// WriteServiceError maps a service error onto an HTTP status
func WriteServiceError(w http.ResponseWriter, err error) error {
	switch {
	case models.IsValidationError(err):
		return WriteError(w, http.StatusBadRequest, err)
	case errors.Is(err, models.ErrNotFound):
		return WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, models.ErrLeaseLost):
		return WriteError(w, http.StatusConflict, err)
	case errors.Is(err, models.ErrDedupConflict):
		return WriteError(w, http.StatusConflict, err)
	case models.IsTransient(err):
		return WriteError(w, http.StatusServiceUnavailable, err)
	default:
		return WriteError(w, http.StatusInternalServerError, err)
	}
}

// DecodeBody decodes a JSON request body into dst
func DecodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, models.NewValidationError("invalid request body: %v", err))
		return false
	}
	return true
}

// PathID extracts the resource ID from a URL path after the given prefix,
// dropping any trailing action segment like "/cancel"
func PathID(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

// GetPaginationParams extracts limit/offset from the query string
func GetPaginationParams(r *http.Request) (limit, offset int) {
	limit = DefaultPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= MaxPageSize {
			limit = n
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
