package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/forgenet/core-go/pkg/scopes"
)

// TokenStore persists bearer tokens in PostgreSQL.
type TokenStore struct {
	db       *sql.DB
	resolver scopes.Resolver
}

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithScopeResolver makes the store parse stored scope strings through the
// service's scope resolver.
func WithScopeResolver(r scopes.Resolver) TokenStoreOption {
	return func(s *TokenStore) { s.resolver = r }
}

// NewTokenStore creates a token store and ensures its table exists.
func NewTokenStore(db *sql.DB, opts ...TokenStoreOption) (*TokenStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	store := &TokenStore{db: db}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure oauthtoken table: %w", err)
	}
	return store, nil
}

func (s *TokenStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauthtoken (
		id BIGSERIAL PRIMARY KEY,
		created TIMESTAMP WITH TIME ZONE NOT NULL,
		updated TIMESTAMP WITH TIME ZONE NOT NULL,
		expires TIMESTAMP WITH TIME ZONE NOT NULL,
		token_hash VARCHAR(128) NOT NULL,
		token_partial VARCHAR(8) NOT NULL,
		scopes VARCHAR(512) NOT NULL,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		client_id BIGINT REFERENCES oauthclient(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_oauthtoken_hash ON oauthtoken(token_hash);
	CREATE INDEX IF NOT EXISTS idx_oauthtoken_user_id ON oauthtoken(user_id);
	`
	_, err := s.db.Exec(query)
	return err
}

const tokenColumns = `t.id, t.created, t.updated, t.expires, t.token_hash,
	t.token_partial, t.scopes, t.user_id, t.client_id,
	u.id, u.created, u.updated, u.username, u.email, u.user_type,
	COALESCE(u.url, ''), COALESCE(u.location, ''), COALESCE(u.bio, ''),
	COALESCE(u.suspension_notice, '')`

func (s *TokenStore) scanToken(row interface{ Scan(...interface{}) error }) (*Token, error) {
	var token Token
	var user User
	var scopeStr, userType string
	err := row.Scan(
		&token.ID, &token.Created, &token.Updated, &token.Expires,
		&token.TokenHash, &token.TokenPartial, &scopeStr,
		&token.UserID, &token.ClientID,
		&user.ID, &user.Created, &user.Updated, &user.Username, &user.Email,
		&userType, &user.URL, &user.Location, &user.Bio,
		&user.SuspensionNotice,
	)
	if err != nil {
		return nil, err
	}
	set, err := s.parseScopes(scopeStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt scope column for token %d: %w", token.ID, err)
	}
	token.Scopes = set
	user.UserType = ParseUserType(userType)
	token.User = &user
	return &token, nil
}

func (s *TokenStore) parseScopes(stored string) (scopes.Set, error) {
	return scopes.ParseSetWith(stored, s.resolver)
}

func parseStoredScopes(stored string) (scopes.Set, error) {
	return scopes.ParseSet(stored)
}

// Lookup returns the non-expired token matching the given hash, or nil if no
// such token exists. A successful lookup bumps the token's updated
// timestamp.
func (s *TokenStore) Lookup(ctx context.Context, hash string) (*Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM oauthtoken t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1 AND t.expires > NOW()
	`
	token, err := s.scanToken(s.db.QueryRowContext(ctx, query, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE oauthtoken SET updated = NOW() WHERE id = $1`, token.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch token: %w", err)
	}
	return token, nil
}

// Create persists a new token row and fills in its id.
func (s *TokenStore) Create(ctx context.Context, token *Token) error {
	query := `
		INSERT INTO oauthtoken
			(created, updated, expires, token_hash, token_partial, scopes, user_id, client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		token.Created, token.Updated, token.Expires,
		token.TokenHash, token.TokenPartial, token.Scopes.String(),
		token.UserID, token.ClientID,
	).Scan(&token.ID)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetOrCreateInternal fetches the synthetic token for a (client id, user)
// pair, creating it on first use.
func (s *TokenStore) GetOrCreateInternal(ctx context.Context, user *User, clientID string) (*Token, error) {
	hash := InternalTokenHash(clientID, user.Username)
	token, err := s.Lookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	if token != nil {
		return token, nil
	}
	token = NewInternalToken(user, clientID)
	if err := s.Create(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// RevokeUser deletes all of a user's tokens. Invoked when the central
// authority notifies this service of a revocation.
func (s *TokenStore) RevokeUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauthtoken WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return res.RowsAffected()
}

// CleanupExpired removes token rows past their expiry.
func (s *TokenStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauthtoken WHERE expires < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired tokens: %w", err)
	}
	return res.RowsAffected()
}

// ScheduleCleanup registers a nightly expired-token sweep on the given cron
// scheduler. Errors are reported through onError, which may be nil.
func (s *TokenStore) ScheduleCleanup(c *cron.Cron, onError func(error)) (cron.EntryID, error) {
	return c.AddFunc("@daily", func() {
		if _, err := s.CleanupExpired(context.Background()); err != nil && onError != nil {
			onError(err)
		}
	})
}
