package httputil

import (
	"encoding/json"
	"net/http"
)

// FieldError is one entry of the network-wide error envelope.
type FieldError struct {
	Reason string `json:"reason"`
	Field  string `json:"field,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Errors []FieldError `json:"errors"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrors writes the error envelope with the given status code
func WriteErrors(w http.ResponseWriter, status int, errs ...FieldError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: errs})
}

// WriteError writes a single-reason error envelope
func WriteError(w http.ResponseWriter, status int, reason string) {
	WriteErrors(w, status, FieldError{Reason: reason})
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, reason string) {
	WriteError(w, http.StatusUnauthorized, reason)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, reason string) {
	WriteError(w, http.StatusForbidden, reason)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, "not found")
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, reason string) {
	WriteError(w, http.StatusBadRequest, reason)
}

// WriteInternalError writes an internal server error response (500)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, err.Error())
}

// WriteCreated writes a successful creation response (201) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
