package httputil

import (
	"net/http"
)

// Validation accumulates per-field validation errors during request
// handling. It mirrors the envelope in ErrorResponse, so a failed
// validation can be written directly.
type Validation struct {
	errs []FieldError
}

// OK reports whether no errors were recorded.
func (v *Validation) OK() bool {
	return len(v.errs) == 0
}

// Errors returns the recorded errors.
func (v *Validation) Errors() []FieldError {
	return v.errs
}

// Expect records an error with the given reason unless cond holds.
func (v *Validation) Expect(cond bool, reason string) bool {
	if !cond {
		v.errs = append(v.errs, FieldError{Reason: reason})
	}
	return cond
}

// ExpectField records a field-scoped error unless cond holds.
func (v *Validation) ExpectField(cond bool, reason, field string) bool {
	if !cond {
		v.errs = append(v.errs, FieldError{Reason: reason, Field: field})
	}
	return cond
}

// Error records an unconditional error.
func (v *Validation) Error(reason string) {
	v.errs = append(v.errs, FieldError{Reason: reason})
}

// WriteResponse writes the accumulated errors as a 400 response.
func (v *Validation) WriteResponse(w http.ResponseWriter) {
	v.WriteStatus(w, http.StatusBadRequest)
}

// WriteStatus writes the accumulated errors with the given status, for
// validation outcomes that are not plain bad requests.
func (v *Validation) WriteStatus(w http.ResponseWriter, status int) {
	WriteErrors(w, status, v.errs...)
}
