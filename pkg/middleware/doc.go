// Package middleware provides HTTP middleware for authorization and rate limiting.
//
// # Overview
//
// The Authorizer resolves request credentials into tokens and enforces scope
// and account standing. Two credential kinds are accepted: encrypted internal
// credentials from trusted peer services, and external bearer tokens verified
// through the delegated exchange.
//
// # Authorization
//
//	authorizer, _ := middleware.NewAuthorizer(middleware.AuthorizerConfig{
//		Tokens:     tokenStore,
//		Users:      userStore,
//		NetworkKey: networkKey,
//		Registrar:  delegationService,
//	})
//
//	router.Use(authorizer.Authenticated())
//	// or, per-route:
//	sub.Use(authorizer.Require(scopes.Scope{Name: "repos", Access: scopes.AccessWrite}))
//
// Failures are values (AuthFailure) mapped to the standard error envelope
// only at the boundary: 401 for missing/malformed/expired credentials, 403
// for scope and account-standing violations, 500 for temporary failures.
//
// # Rate Limiting
//
// RateLimitMiddleware keys token-bucket limits on the resolved token and
// must run after the authorizer:
//
//	router.Use(authorizer.Authenticated(), rateLimit.Handler)
//
// Default (Anonymous): 100 req/min, 10 burst
// Per-Token: 1000 req/min, 50 burst
// Internal: 5000 req/min, 100 burst
//
// # Related Packages
//
//   - pkg/auth: Token and user stores
//   - pkg/crypto: Internal credential encryption
//   - pkg/delegation: Unknown-user registration
package middleware
