package middleware

import (
	"fmt"
	"net/http"

	"github.com/forgenet/core-go/pkg/httputil"
	"github.com/forgenet/core-go/pkg/scopes"
)

// FailureKind enumerates the ways a request can fail authorization.
type FailureKind int

const (
	FailureMissingCredential FailureKind = iota
	FailureMalformed
	FailureExpired
	FailureInsufficientScope
	FailureSuspended
	FailureUnconfirmed
	FailureTemporary
)

// AuthFailure is an authorization failure as a value. It is only turned
// into an HTTP response at the boundary, so internal callers can branch on
// Kind without parsing response bodies.
type AuthFailure struct {
	Kind FailureKind
	// Required is set for FailureInsufficientScope.
	Required scopes.Scope
	// Notice is set for FailureSuspended.
	Notice string
}

func (f *AuthFailure) Error() string {
	switch f.Kind {
	case FailureMissingCredential:
		return "authorization required"
	case FailureMalformed:
		return "invalid authorization header"
	case FailureExpired:
		return "invalid or expired OAuth token"
	case FailureInsufficientScope:
		if f.Required.Access == scopes.AccessWrite {
			return fmt.Sprintf("your OAuth token lacks the required scope: %s (%s is not sufficient)",
				f.Required.String(), f.Required.ReadVersion())
		}
		return fmt.Sprintf("your OAuth token lacks the required scope: %s", f.Required.String())
	case FailureSuspended:
		return "your account has been suspended"
	case FailureUnconfirmed:
		return "your account is not confirmed"
	case FailureTemporary:
		return "temporary authentication failure"
	}
	return "authorization failed"
}

// outcome is the metrics label for this failure.
func (f *AuthFailure) outcome() string {
	switch f.Kind {
	case FailureMissingCredential:
		return "missing"
	case FailureMalformed:
		return "malformed"
	case FailureExpired:
		return "expired"
	case FailureInsufficientScope:
		return "insufficient_scope"
	case FailureSuspended:
		return "suspended"
	case FailureUnconfirmed:
		return "unconfirmed"
	case FailureTemporary:
		return "temporary"
	}
	return "failed"
}

// Write renders the failure as the standard error envelope. supportEmail is
// appended to suspension notices so affected users have somewhere to go.
func (f *AuthFailure) Write(w http.ResponseWriter, supportEmail string) {
	switch f.Kind {
	case FailureMissingCredential, FailureMalformed, FailureExpired:
		httputil.WriteUnauthorized(w, f.Error())
	case FailureInsufficientScope:
		httputil.WriteForbidden(w, f.Error())
	case FailureSuspended:
		reason := f.Error()
		if f.Notice != "" {
			reason = fmt.Sprintf("%s: %s", reason, f.Notice)
		}
		if supportEmail != "" {
			reason = fmt.Sprintf("%s. Contact %s for assistance.", reason, supportEmail)
		}
		httputil.WriteForbidden(w, reason)
	case FailureUnconfirmed:
		httputil.WriteForbidden(w, "your account must be confirmed before using this service")
	case FailureTemporary:
		httputil.WriteError(w, http.StatusInternalServerError, f.Error())
	default:
		httputil.WriteUnauthorized(w, f.Error())
	}
}
