package auth

import (
	"crypto/sha512"
	"encoding/hex"
	"time"
)

const (
	// PartialLength is how many characters of the secret are kept for display.
	PartialLength = 8
	// InternalPartial marks synthetic service-to-service tokens.
	InternalPartial = "internal"
	// ExternalTokenLifetime is the local validity window for tokens obtained
	// through a delegated exchange.
	ExternalTokenLifetime = 365 * 24 * time.Hour
	// internalTokenLifetime is effectively infinite; internal tokens are
	// trusted by construction and their expiry is meaningless.
	internalTokenLifetime = 9999 * 24 * time.Hour
)

// HashToken computes the SHA-512 hex digest used to look up a token row.
func HashToken(token string) string {
	sum := sha512.Sum512([]byte(token))
	return hex.EncodeToString(sum[:])
}

// InternalTokenHash derives the lookup hash for a synthetic internal token
// from the service client id and the acting username.
func InternalTokenHash(clientID, username string) string {
	return HashToken(clientID + username)
}

// TokenPartial returns the display prefix of an opaque token secret.
func TokenPartial(token string) string {
	if len(token) < PartialLength {
		return token
	}
	return token[:PartialLength]
}

// NewExternalToken builds an unsaved token row for a secret verified through
// the delegated exchange.
func NewExternalToken(user *User, token string, scopeSet string) (*Token, error) {
	set, err := parseStoredScopes(scopeSet)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Token{
		Created:      now,
		Updated:      now,
		Expires:      now.Add(ExternalTokenLifetime),
		TokenHash:    HashToken(token),
		TokenPartial: TokenPartial(token),
		Scopes:       set,
		UserID:       user.ID,
		User:         user,
	}, nil
}

// NewInternalToken builds an unsaved synthetic token for a trusted
// inter-service call on behalf of the given user.
func NewInternalToken(user *User, clientID string) *Token {
	now := time.Now().UTC()
	set, _ := parseStoredScopes("*")
	return &Token{
		Created:      now,
		Updated:      now,
		Expires:      now.Add(internalTokenLifetime),
		TokenHash:    InternalTokenHash(clientID, user.Username),
		TokenPartial: InternalPartial,
		Scopes:       set,
		UserID:       user.ID,
		User:         user,
	}
}
