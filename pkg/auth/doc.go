// Package auth provides the OAuth data model shared by forge network
// services: users mirrored from the central account authority, third-party
// OAuth clients, and bearer tokens looked up by a hashed secret.
//
// # Overview
//
// Tokens are never stored in plaintext. The opaque secret presented by a
// caller is hashed with SHA-512 and looked up by hash; only the first eight
// characters are retained for display. Internal service-to-service calls use
// synthetic tokens derived from (client_id, username) with wildcard scope
// and an effectively infinite expiry.
//
// # Usage Example
//
//	tokens, err := auth.NewTokenStore(db)
//	if err != nil {
//		return err
//	}
//	token, err := tokens.Lookup(ctx, auth.HashToken(secret))
//	if err != nil {
//		return err
//	}
//	if token == nil {
//		// invalid or expired
//	}
//
// # Related Packages
//
//   - pkg/scopes: permission checks against token scope sets
//   - pkg/middleware: request-level token resolution
package auth
