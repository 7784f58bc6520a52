package delegation

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgenet/core-go/pkg/auth"
)

func newStores(t *testing.T) (*auth.UserStore, *auth.TokenStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	users, err := auth.NewUserStore(db)
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS oauthtoken").
		WillReturnResult(sqlmock.NewResult(0, 0))
	tokens, err := auth.NewTokenStore(db)
	require.NoError(t, err)
	return users, tokens, mock, db
}

func TestService_LookupOrRegister(t *testing.T) {
	authority := newAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"token":   "exchanged-secret",
			"expires": "2027-03-01T12:00:00Z",
			"scopes":  "repo:read",
		})
	})

	users, tokens, mock, db := newStores(t)
	defer db.Close()

	// New user: lookup misses, upsert assigns an id, token row is inserted.
	mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
		WithArgs("alice").
		WillReturnError(sql.ErrNoRows)
	now := time.Now()
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "updated"}).
			AddRow(7, now, now))
	mock.ExpectQuery("INSERT INTO oauthtoken").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	client := NewClient(authority.URL, "client-1", "hunter2", "")
	service := NewService(client, users, tokens, nil, nil)

	token, err := service.LookupOrRegister(context.Background(), "bearer-token")
	require.NoError(t, err)

	assert.Equal(t, int64(42), token.ID)
	assert.Equal(t, int64(7), token.UserID)
	assert.Equal(t, auth.HashToken("exchanged-secret"), token.TokenHash)
	assert.Equal(t, "exchange", token.TokenPartial)
	assert.Equal(t, "repo:read", token.Scopes.String())
	require.NotNil(t, token.User)
	assert.Equal(t, "alice", token.User.Username)
	assert.Equal(t, auth.UserActiveFree, token.User.UserType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_LookupOrRegister_LinksClient(t *testing.T) {
	authority := newAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"token":   "exchanged-secret",
			"expires": "2027-03-01T12:00:00Z",
			"scopes":  "abc123/repo:read",
		})
	})

	users, tokens, mock, db := newStores(t)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS oauthclient").
		WillReturnResult(sqlmock.NewResult(0, 0))
	clients, err := auth.NewClientStore(db)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
		WithArgs("alice").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "updated"}).
			AddRow(7, now, now))
	mock.ExpectQuery("SELECT (.+) FROM oauthclient WHERE client_id").
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "created", "updated", "client_id", "client_secret", "user_id",
		}).AddRow(5, now, now, "abc123", "s3cret", 7))
	mock.ExpectQuery("INSERT INTO oauthtoken").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	client := NewClient(authority.URL, "client-1", "hunter2", "")
	service := NewService(client, users, tokens, clients, nil)

	token, err := service.LookupOrRegister(context.Background(), "bearer-token")
	require.NoError(t, err)
	require.NotNil(t, token.ClientID)
	assert.Equal(t, int64(5), *token.ClientID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_LookupOrRegister_ExchangeRejected(t *testing.T) {
	authority := newAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid token"))
	})

	users, tokens, _, db := newStores(t)
	defer db.Close()

	client := NewClient(authority.URL, "client-1", "hunter2", "")
	service := NewService(client, users, tokens, nil, nil)

	_, err := service.LookupOrRegister(context.Background(), "bearer-token")
	var delegationErr *DelegationError
	require.ErrorAs(t, err, &delegationErr)
	assert.Equal(t, http.StatusUnauthorized, delegationErr.Status)
}

func TestUserFromProfile(t *testing.T) {
	location := "Amsterdam"
	profile := &Profile{
		Name:     "alice",
		Email:    "alice@example.org",
		UserType: "suspended",
		Location: &location,
	}

	existing := &auth.User{ID: 3, Username: "alice", Bio: "stale bio"}
	user := userFromProfile(existing, profile)

	assert.Equal(t, int64(3), user.ID)
	assert.Equal(t, auth.UserSuspended, user.UserType)
	assert.Equal(t, "Amsterdam", user.Location)
	// Absent profile fields clear stale local data.
	assert.Equal(t, "", user.Bio)

	fresh := userFromProfile(nil, profile)
	assert.Equal(t, int64(0), fresh.ID)
	assert.Equal(t, "alice", fresh.Username)
}
