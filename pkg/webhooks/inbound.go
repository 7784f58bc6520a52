package webhooks

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/forgenet/core-go/pkg/auth"
	"github.com/forgenet/core-go/pkg/crypto"
	"github.com/forgenet/core-go/pkg/httputil"
	"github.com/forgenet/core-go/pkg/observability"
)

// Inbound handles signed webhooks sent by the network authority: profile
// updates fan out to every service, and token revocations invalidate the
// local token cache rows.
type Inbound struct {
	verifier *crypto.Verifier
	users    *auth.UserStore
	tokens   *auth.TokenStore
	logger   *observability.Logger
}

func NewInbound(verifier *crypto.Verifier, users *auth.UserStore, tokens *auth.TokenStore, logger *observability.Logger) *Inbound {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Inbound{verifier: verifier, users: users, tokens: tokens, logger: logger}
}

// verified reads and signature-checks the request body. Unsigned or
// tampered requests are rejected with 403.
func (h *Inbound) verified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadSize))
	if err != nil {
		httputil.WriteBadRequest(w, "unable to read request body")
		return nil, false
	}
	if err := h.verifier.VerifyRequest(r, body); err != nil {
		h.logger.WithError(err).Warn("rejected unsigned authority webhook")
		httputil.WriteForbidden(w, "invalid payload signature")
		return nil, false
	}
	return body, true
}

type profileUpdatePayload struct {
	Name             string  `json:"name"`
	Email            string  `json:"email"`
	UserType         string  `json:"user_type"`
	URL              *string `json:"url"`
	Location         *string `json:"location"`
	Bio              *string `json:"bio"`
	SuspensionNotice *string `json:"suspension_notice"`
}

// ProfileUpdate applies an authority-pushed profile change to the local
// user mirror. Users this service has never seen read as 404; the
// authority treats that as a no-op.
func (h *Inbound) ProfileUpdate(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r)
	if !ok {
		return
	}
	var payload profileUpdatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httputil.WriteBadRequest(w, "invalid profile payload")
		return
	}
	if payload.Name == "" {
		httputil.WriteBadRequest(w, "profile payload names no user")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), payload.Name)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if user == nil {
		httputil.WriteNotFound(w)
		return
	}

	user.Email = payload.Email
	user.UserType = auth.ParseUserType(payload.UserType)
	user.URL = stringValue(payload.URL)
	user.Location = stringValue(payload.Location)
	user.Bio = stringValue(payload.Bio)
	user.SuspensionNotice = stringValue(payload.SuspensionNotice)
	if err := h.users.Upsert(r.Context(), user); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	h.logger.WithField("username", user.Username).Info("applied profile update")
	httputil.WriteSuccess(w, user)
}

type revocationPayload struct {
	Name string `json:"name"`
}

// Revocation drops every cached token for the named user, forcing the next
// request to re-exchange with the authority.
func (h *Inbound) Revocation(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r)
	if !ok {
		return
	}
	var payload revocationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httputil.WriteBadRequest(w, "invalid revocation payload")
		return
	}
	if payload.Name == "" {
		httputil.WriteBadRequest(w, "revocation payload names no user")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), payload.Name)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if user == nil {
		httputil.WriteNotFound(w)
		return
	}

	revoked, err := h.tokens.RevokeUser(r.Context(), user.ID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	h.logger.WithFields(map[string]interface{}{
		"username": user.Username,
		"revoked":  revoked,
	}).Info("revoked cached tokens")
	httputil.WriteSuccess(w, map[string]int64{"revoked": revoked})
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
