package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forgenet/core-go/pkg/auth"
	"github.com/forgenet/core-go/pkg/contextkeys"
	"github.com/forgenet/core-go/pkg/crypto"
	"github.com/forgenet/core-go/pkg/delegation"
	"github.com/forgenet/core-go/pkg/observability"
	"github.com/forgenet/core-go/pkg/scopes"
)

// UnknownUserRegistrar mirrors a user this service has never seen. Satisfied
// by delegation.Service.
type UnknownUserRegistrar interface {
	RegisterUnknownUser(ctx context.Context, username string) (*auth.User, error)
}

// TokenExchanger verifies a bearer token this service has never seen with
// the delegating authority, mirroring the owning profile and token row
// locally. Satisfied by delegation.Service.
type TokenExchanger interface {
	LookupOrRegister(ctx context.Context, token string) (*auth.Token, error)
}

type credentialKind int

const (
	credNone credentialKind = iota
	credInternal
	credExternal
)

func (k credentialKind) String() string {
	switch k {
	case credInternal:
		return "internal"
	case credExternal:
		return "external"
	}
	return "none"
}

// credential is the parsed but unverified authorization material of a
// request.
type credential struct {
	kind  credentialKind
	value string
}

// parseCredential extracts the credential without touching the network or
// database. Internal credentials ride in X-Forge-Authorization or an
// "Authorization: Internal" header; external bearer tokens use the "token"
// or "Bearer" schemes.
func parseCredential(r *http.Request) (credential, *AuthFailure) {
	if blob := r.Header.Get(crypto.HeaderInternalAuth); blob != "" {
		return credential{kind: credInternal, value: blob}, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return credential{}, &AuthFailure{Kind: FailureMissingCredential}
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return credential{}, &AuthFailure{Kind: FailureMalformed}
	}
	switch parts[0] {
	case "Internal":
		return credential{kind: credInternal, value: parts[1]}, nil
	case "token", "Bearer":
		return credential{kind: credExternal, value: parts[1]}, nil
	}
	return credential{}, &AuthFailure{Kind: FailureMalformed}
}

// AuthorizerConfig configures an Authorizer.
type AuthorizerConfig struct {
	Tokens *auth.TokenStore
	Users  *auth.UserStore
	// NetworkKey decrypts internal credentials. Nil disables internal auth.
	NetworkKey *crypto.NetworkKey
	// Registrar fetches profiles for internal credentials naming users with
	// no local mirror yet. Optional.
	Registrar UnknownUserRegistrar
	// Exchanger resolves external bearer tokens the token store has never
	// seen. Without it, unseen tokens are rejected outright.
	Exchanger TokenExchanger
	// InternalCacheSize bounds the internal-token memoization cache.
	// Defaults to 1024.
	InternalCacheSize int

	Logger       *observability.Logger
	Metrics      *observability.Metrics
	SupportEmail string
}

// Authorizer resolves request credentials into tokens and enforces scope
// and account standing.
type Authorizer struct {
	tokens         *auth.TokenStore
	users          *auth.UserStore
	network        *crypto.NetworkKey
	registrar      UnknownUserRegistrar
	exchanger      TokenExchanger
	internalTokens *lru.Cache[string, *auth.Token]
	logger         *observability.Logger
	metrics        *observability.Metrics
	supportEmail   string
}

// NewAuthorizer creates an authorizer from the given configuration.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	size := cfg.InternalCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *auth.Token](size)
	if err != nil {
		return nil, fmt.Errorf("creating internal token cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Authorizer{
		tokens:         cfg.Tokens,
		users:          cfg.Users,
		network:        cfg.NetworkKey,
		registrar:      cfg.Registrar,
		exchanger:      cfg.Exchanger,
		internalTokens: cache,
		logger:         logger,
		metrics:        cfg.Metrics,
		supportEmail:   cfg.SupportEmail,
	}, nil
}

// Authenticate resolves the request's credential into a token. It enforces
// neither scopes nor account standing; the middleware applies those gates,
// scope first.
func (a *Authorizer) Authenticate(r *http.Request) (*auth.Token, *AuthFailure) {
	cred, failure := parseCredential(r)
	if failure != nil {
		return nil, failure
	}

	var token *auth.Token
	switch cred.kind {
	case credInternal:
		token, failure = a.resolveInternal(r.Context(), cred.value)
	case credExternal:
		token, failure = a.resolveExternal(r.Context(), cred.value)
	}
	if failure != nil {
		return nil, failure
	}
	return token, nil
}

// resolveInternal decrypts a service-to-service credential and synthesizes
// (or finds) the internal token for the acting user. Resolved tokens are
// memoized; internal tokens never expire so the cache needs no TTL.
func (a *Authorizer) resolveInternal(ctx context.Context, blob string) (*auth.Token, *AuthFailure) {
	if a.network == nil {
		return nil, &AuthFailure{Kind: FailureMalformed}
	}
	authz, err := a.network.VerifyAuthorization(blob)
	if err != nil {
		return nil, &AuthFailure{Kind: FailureMalformed}
	}

	cacheKey := authz.ClientID + "/" + authz.Name
	if token, ok := a.internalTokens.Get(cacheKey); ok {
		if a.metrics != nil {
			a.metrics.InternalTokenCacheHits.Inc()
		}
		return token, nil
	}
	if a.metrics != nil {
		a.metrics.InternalTokenCacheMisses.Inc()
	}

	user, err := a.users.GetByUsername(ctx, authz.Name)
	if err != nil {
		a.logger.WithError(err).Error("internal auth user lookup failed")
		return nil, &AuthFailure{Kind: FailureTemporary}
	}
	if user == nil {
		if a.registrar == nil {
			return nil, &AuthFailure{Kind: FailureExpired}
		}
		user, err = a.registrar.RegisterUnknownUser(ctx, authz.Name)
		if err != nil {
			a.logger.WithError(err).WithField("username", authz.Name).
				Error("unknown user registration failed")
			return nil, &AuthFailure{Kind: FailureTemporary}
		}
	}

	token, err := a.tokens.GetOrCreateInternal(ctx, user, authz.ClientID)
	if err != nil {
		a.logger.WithError(err).Error("internal token resolution failed")
		return nil, &AuthFailure{Kind: FailureTemporary}
	}
	a.internalTokens.Add(cacheKey, token)
	return token, nil
}

// resolveExternal looks up a bearer token by its SHA-512 hash. On a store
// miss the token is exchanged with the authority and mirrored, so each
// unseen token costs exactly one round trip; thereafter the store answers.
func (a *Authorizer) resolveExternal(ctx context.Context, secret string) (*auth.Token, *AuthFailure) {
	token, err := a.tokens.Lookup(ctx, auth.HashToken(secret))
	if err != nil {
		a.logger.WithError(err).Error("token lookup failed")
		return nil, &AuthFailure{Kind: FailureTemporary}
	}
	if token != nil {
		return token, nil
	}
	if a.exchanger == nil {
		return nil, &AuthFailure{Kind: FailureExpired}
	}

	token, err = a.exchanger.LookupOrRegister(ctx, secret)
	if err != nil {
		var rejected *delegation.DelegationError
		if errors.As(err, &rejected) {
			return nil, &AuthFailure{Kind: FailureExpired}
		}
		a.logger.WithError(err).Error("token exchange failed")
		return nil, &AuthFailure{Kind: FailureTemporary}
	}
	return token, nil
}

// checkStanding gates on the owning account's status with the authority.
func checkStanding(user *auth.User) *AuthFailure {
	if user == nil {
		return nil
	}
	switch user.UserType {
	case auth.UserSuspended:
		return &AuthFailure{Kind: FailureSuspended, Notice: user.SuspensionNotice}
	case auth.UserUnconfirmed:
		return &AuthFailure{Kind: FailureUnconfirmed}
	}
	return nil
}

func (a *Authorizer) observe(kind credentialKind, outcome string) {
	if a.metrics != nil {
		a.metrics.AuthRequestsTotal.WithLabelValues(kind.String(), outcome).Inc()
	}
}

func (a *Authorizer) middleware(required *scopes.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, _ := parseCredential(r)

			token, failure := a.Authenticate(r)
			if failure == nil && required != nil && !token.AuthorizedFor(*required) {
				failure = &AuthFailure{Kind: FailureInsufficientScope, Required: *required}
			}
			// Standing is checked after the scope gate, so a suspended
			// account with a too-narrow token reports the scope failure.
			if failure == nil {
				failure = checkStanding(token.User)
			}
			if failure != nil {
				a.observe(cred.kind, failure.outcome())
				failure.Write(w, a.supportEmail)
				return
			}
			a.observe(cred.kind, "success")

			ctx := contextkeys.WithToken(r.Context(), token)
			if token.User != nil {
				ctx = contextkeys.WithUser(ctx, token.User)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require returns middleware enforcing authentication plus the given scope.
func (a *Authorizer) Require(required scopes.Scope) func(http.Handler) http.Handler {
	return a.middleware(&required)
}

// Authenticated returns middleware enforcing authentication with no scope
// requirement.
func (a *Authorizer) Authenticated() func(http.Handler) http.Handler {
	return a.middleware(nil)
}

// TokenFromContext returns the token bound by the authorizer, if any.
func TokenFromContext(ctx context.Context) (*auth.Token, bool) {
	token, ok := ctx.Value(contextkeys.TokenKey).(*auth.Token)
	return token, ok
}

// UserFromContext returns the user bound by the authorizer, if any.
func UserFromContext(ctx context.Context) (*auth.User, bool) {
	user, ok := ctx.Value(contextkeys.UserKey).(*auth.User)
	return user, ok
}
