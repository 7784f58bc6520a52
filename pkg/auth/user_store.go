package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// UserStore persists the local mirror of authority-mastered accounts.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a user store and ensures its table exists.
func NewUserStore(db *sql.DB) (*UserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	store := &UserStore{db: db}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure users table: %w", err)
	}
	return store, nil
}

func (s *UserStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		created TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		username VARCHAR(256) NOT NULL,
		email VARCHAR(256) NOT NULL,
		user_type VARCHAR(32) NOT NULL DEFAULT 'unconfirmed',
		url VARCHAR(256),
		location VARCHAR(256),
		bio TEXT,
		suspension_notice TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username);
	`
	_, err := s.db.Exec(query)
	return err
}

const userColumns = `id, created, updated, username, email, user_type,
	COALESCE(url, ''), COALESCE(location, ''), COALESCE(bio, ''),
	COALESCE(suspension_notice, '')`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var user User
	var userType string
	err := row.Scan(&user.ID, &user.Created, &user.Updated, &user.Username,
		&user.Email, &userType, &user.URL, &user.Location, &user.Bio,
		&user.SuspensionNotice)
	if err != nil {
		return nil, err
	}
	user.UserType = ParseUserType(userType)
	return &user, nil
}

// GetByUsername returns the mirrored user, or nil if the account is unknown
// locally.
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	return user, nil
}

// GetByID returns the mirrored user by row id, or nil.
func (s *UserStore) GetByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %d: %w", id, err)
	}
	return user, nil
}

// Upsert inserts the user, or updates all mutable profile fields if a row
// with the same username already exists. The user's id and timestamps are
// filled in from the database.
func (s *UserStore) Upsert(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, email, user_type, url, location, bio, suspension_notice)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (username) DO UPDATE SET
			email = EXCLUDED.email,
			user_type = EXCLUDED.user_type,
			url = EXCLUDED.url,
			location = EXCLUDED.location,
			bio = EXCLUDED.bio,
			suspension_notice = EXCLUDED.suspension_notice,
			updated = NOW()
		RETURNING id, created, updated
	`
	err := s.db.QueryRowContext(ctx, query,
		user.Username, user.Email, string(user.UserType),
		user.URL, user.Location, user.Bio, user.SuspensionNotice,
	).Scan(&user.ID, &user.Created, &user.Updated)
	if err != nil {
		return fmt.Errorf("failed to upsert user %q: %w", user.Username, err)
	}
	return nil
}

// ClientStore persists third-party OAuth client registrations.
type ClientStore struct {
	db *sql.DB
}

// NewClientStore creates a client store and ensures its table exists.
func NewClientStore(db *sql.DB) (*ClientStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	store := &ClientStore{db: db}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure oauthclient table: %w", err)
	}
	return store, nil
}

func (s *ClientStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauthclient (
		id BIGSERIAL PRIMARY KEY,
		created TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		client_id VARCHAR(128) NOT NULL,
		client_secret VARCHAR(128) NOT NULL,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_oauthclient_client_id ON oauthclient(client_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// GetByClientID returns the client registration, or nil if unknown.
func (s *ClientStore) GetByClientID(ctx context.Context, clientID string) (*OAuthClient, error) {
	var client OAuthClient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created, updated, client_id, client_secret, user_id
		FROM oauthclient WHERE client_id = $1`, clientID,
	).Scan(&client.ID, &client.Created, &client.Updated,
		&client.ClientID, &client.ClientSecret, &client.UserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client %q: %w", clientID, err)
	}
	return &client, nil
}
