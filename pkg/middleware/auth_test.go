package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgenet/core-go/pkg/auth"
	"github.com/forgenet/core-go/pkg/crypto"
	"github.com/forgenet/core-go/pkg/delegation"
	"github.com/forgenet/core-go/pkg/scopes"
)

func newAuthStores(t *testing.T) (*auth.TokenStore, *auth.UserStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS oauthtoken").
		WillReturnResult(sqlmock.NewResult(0, 0))
	tokens, err := auth.NewTokenStore(db)
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	users, err := auth.NewUserStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return tokens, users, mock, db
}

func tokenRows(token *auth.Token, user *auth.User) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "created", "updated", "expires", "token_hash", "token_partial",
		"scopes", "user_id", "client_id",
		"u_id", "u_created", "u_updated", "username", "email", "user_type",
		"url", "location", "bio", "suspension_notice",
	}).AddRow(
		token.ID, token.Created, token.Updated, token.Expires,
		token.TokenHash, token.TokenPartial, token.Scopes.String(),
		token.UserID, nil,
		user.ID, user.Created, user.Updated, user.Username, user.Email,
		string(user.UserType), user.URL, user.Location, user.Bio,
		user.SuspensionNotice,
	)
}

func expectLookup(mock sqlmock.Sqlmock, token *auth.Token, user *auth.User) {
	mock.ExpectQuery("SELECT (.+) FROM oauthtoken t").
		WithArgs(token.TokenHash).
		WillReturnRows(tokenRows(token, user))
	mock.ExpectExec("UPDATE oauthtoken SET updated = NOW").
		WithArgs(token.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func newTestAuthorizer(t *testing.T, cfg AuthorizerConfig) *Authorizer {
	t.Helper()
	a, err := NewAuthorizer(cfg)
	require.NoError(t, err)
	return a
}

func testNetworkKey(t *testing.T) *crypto.NetworkKey {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	key, err := crypto.NewNetworkKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	return key
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*http.Request)
		wantKind    credentialKind
		wantValue   string
		wantFailure FailureKind
		wantErr     bool
	}{
		{
			name:    "no credential",
			setup:   func(r *http.Request) {},
			wantErr: true, wantFailure: FailureMissingCredential,
		},
		{
			name: "bare header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "garbage")
			},
			wantErr: true, wantFailure: FailureMalformed,
		},
		{
			name: "unknown scheme",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			},
			wantErr: true, wantFailure: FailureMalformed,
		},
		{
			name: "token scheme",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "token secret123")
			},
			wantKind: credExternal, wantValue: "secret123",
		},
		{
			name: "bearer scheme",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer secret123")
			},
			wantKind: credExternal, wantValue: "secret123",
		},
		{
			name: "internal scheme",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Internal blob123")
			},
			wantKind: credInternal, wantValue: "blob123",
		},
		{
			name: "internal header",
			setup: func(r *http.Request) {
				r.Header.Set(crypto.HeaderInternalAuth, "blob456")
			},
			wantKind: credInternal, wantValue: "blob456",
		},
		{
			name: "internal header wins over authorization",
			setup: func(r *http.Request) {
				r.Header.Set(crypto.HeaderInternalAuth, "blob456")
				r.Header.Set("Authorization", "token secret123")
			},
			wantKind: credInternal, wantValue: "blob456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(r)

			cred, failure := parseCredential(r)
			if tt.wantErr {
				require.NotNil(t, failure)
				assert.Equal(t, tt.wantFailure, failure.Kind)
				return
			}
			require.Nil(t, failure)
			assert.Equal(t, tt.wantKind, cred.kind)
			assert.Equal(t, tt.wantValue, cred.value)
		})
	}
}

func TestAuthorizer_External(t *testing.T) {
	user := &auth.User{ID: 1, Username: "alice", Email: "alice@example.org",
		UserType: auth.UserActiveFree}

	request := func(secret string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "token "+secret)
		return r
	}

	t.Run("valid token", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		token, err := auth.NewExternalToken(user, "supersecrettoken", "webhooks:read")
		require.NoError(t, err)
		token.ID = 10
		expectLookup(mock, token, user)

		got, failure := a.Authenticate(request("supersecrettoken"))
		require.Nil(t, failure)
		assert.Equal(t, token.ID, got.ID)
		assert.Equal(t, "alice", got.User.Username)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown or expired token", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		mock.ExpectQuery("SELECT (.+) FROM oauthtoken t").
			WillReturnError(sql.ErrNoRows)

		_, failure := a.Authenticate(request("wrong"))
		require.NotNil(t, failure)
		assert.Equal(t, FailureExpired, failure.Kind)
	})

	t.Run("database failure is temporary", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		mock.ExpectQuery("SELECT (.+) FROM oauthtoken t").
			WillReturnError(sql.ErrConnDone)

		_, failure := a.Authenticate(request("supersecrettoken"))
		require.NotNil(t, failure)
		assert.Equal(t, FailureTemporary, failure.Kind)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("suspended user", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		suspended := &auth.User{ID: 2, Username: "mallory",
			UserType: auth.UserSuspended, SuspensionNotice: "spam"}
		token, err := auth.NewExternalToken(suspended, "supersecrettoken", "*")
		require.NoError(t, err)
		token.ID = 11
		expectLookup(mock, token, suspended)

		rec := httptest.NewRecorder()
		a.Authenticated()(handler).ServeHTTP(rec, request("supersecrettoken"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "spam")
	})

	t.Run("unconfirmed user", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		unconfirmed := &auth.User{ID: 3, Username: "newbie",
			UserType: auth.UserUnconfirmed}
		token, err := auth.NewExternalToken(unconfirmed, "supersecrettoken", "*")
		require.NoError(t, err)
		token.ID = 12
		expectLookup(mock, token, unconfirmed)

		rec := httptest.NewRecorder()
		a.Authenticated()(handler).ServeHTTP(rec, request("supersecrettoken"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "confirmed")
	})
}

type fakeExchanger struct {
	token *auth.Token
	err   error
	calls int
}

func (f *fakeExchanger) LookupOrRegister(ctx context.Context, secret string) (*auth.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func TestAuthorizer_Exchange(t *testing.T) {
	user := &auth.User{ID: 1, Username: "alice", Email: "alice@example.org",
		UserType: auth.UserActiveFree}

	request := func(secret string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "token "+secret)
		return r
	}

	t.Run("unseen token is exchanged and mirrored", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)

		mirrored, err := auth.NewExternalToken(user, "freshsecret", "webhooks:read")
		require.NoError(t, err)
		mirrored.ID = 40
		mirrored.User = user
		exchanger := &fakeExchanger{token: mirrored}
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, Exchanger: exchanger,
		})

		mock.ExpectQuery("SELECT (.+) FROM oauthtoken t").
			WillReturnError(sql.ErrNoRows)

		got, failure := a.Authenticate(request("freshsecret"))
		require.Nil(t, failure)
		assert.Equal(t, int64(40), got.ID)
		assert.Equal(t, 1, exchanger.calls)

		// The mirrored row answers the next request without the authority.
		expectLookup(mock, mirrored, user)
		got, failure = a.Authenticate(request("freshsecret"))
		require.Nil(t, failure)
		assert.Equal(t, int64(40), got.ID)
		assert.Equal(t, 1, exchanger.calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("authority rejection is a credential failure", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		exchanger := &fakeExchanger{
			err: &delegation.DelegationError{Status: http.StatusUnauthorized, Body: "invalid token"},
		}
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, Exchanger: exchanger,
		})

		mock.ExpectQuery("SELECT (.+) FROM oauthtoken t").
			WillReturnError(sql.ErrNoRows)

		_, failure := a.Authenticate(request("badsecret"))
		require.NotNil(t, failure)
		assert.Equal(t, FailureExpired, failure.Kind)
	})

	t.Run("authority outage is temporary", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		exchanger := &fakeExchanger{err: delegation.ErrTemporary}
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, Exchanger: exchanger,
		})

		mock.ExpectQuery("SELECT (.+) FROM oauthtoken t").
			WillReturnError(sql.ErrNoRows)

		_, failure := a.Authenticate(request("freshsecret"))
		require.NotNil(t, failure)
		assert.Equal(t, FailureTemporary, failure.Kind)
	})
}

type fakeRegistrar struct {
	user *auth.User
	err  error
	seen []string
}

func (f *fakeRegistrar) RegisterUnknownUser(ctx context.Context, username string) (*auth.User, error) {
	f.seen = append(f.seen, username)
	return f.user, f.err
}

func TestAuthorizer_Internal(t *testing.T) {
	key := testNetworkKey(t)
	user := &auth.User{ID: 7, Username: "builds-worker", UserType: auth.UserActiveFree}

	request := func(t *testing.T) *http.Request {
		blob, err := key.EncryptAuthorization(crypto.InternalAuthorization{
			Name:     "builds-worker",
			ClientID: "client-1",
		})
		require.NoError(t, err)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(crypto.HeaderInternalAuth, blob)
		return r
	}

	expectUser := func(mock sqlmock.Sqlmock) {
		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "created", "updated", "username",
			"email", "user_type", "url", "location", "bio", "suspension_notice"}).
			AddRow(7, now, now, "builds-worker", "", "active_free", "", "", "", "")
		mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
			WithArgs("builds-worker").
			WillReturnRows(rows)
	}

	t.Run("resolves and memoizes", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, NetworkKey: key,
		})

		expectUser(mock)
		internal := auth.NewInternalToken(user, "client-1")
		internal.ID = 20
		expectLookup(mock, internal, user)

		got, failure := a.Authenticate(request(t))
		require.Nil(t, failure)
		assert.True(t, got.Internal())
		assert.True(t, got.Scopes.HasWildcard())

		// Second request hits the cache; no further DB expectations.
		got2, failure := a.Authenticate(request(t))
		require.Nil(t, failure)
		assert.Equal(t, got.ID, got2.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tampered blob is malformed", func(t *testing.T) {
		tokens, users, _, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, NetworkKey: key,
		})

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(crypto.HeaderInternalAuth, "not-a-valid-blob")

		_, failure := a.Authenticate(r)
		require.NotNil(t, failure)
		assert.Equal(t, FailureMalformed, failure.Kind)
	})

	t.Run("no network key configured", func(t *testing.T) {
		tokens, users, _, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		_, failure := a.Authenticate(request(t))
		require.NotNil(t, failure)
		assert.Equal(t, FailureMalformed, failure.Kind)
	})

	t.Run("unknown user registered through side channel", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		registrar := &fakeRegistrar{user: user}
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, NetworkKey: key, Registrar: registrar,
		})

		mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
			WithArgs("builds-worker").
			WillReturnError(sql.ErrNoRows)
		internal := auth.NewInternalToken(user, "client-1")
		internal.ID = 21
		expectLookup(mock, internal, user)

		got, failure := a.Authenticate(request(t))
		require.Nil(t, failure)
		assert.True(t, got.Internal())
		assert.Equal(t, []string{"builds-worker"}, registrar.seen)
	})

	t.Run("unknown user without registrar", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, NetworkKey: key,
		})

		mock.ExpectQuery("SELECT (.+) FROM users WHERE username").
			WillReturnError(sql.ErrNoRows)

		_, failure := a.Authenticate(request(t))
		require.NotNil(t, failure)
		assert.Equal(t, FailureExpired, failure.Kind)
	})
}

func TestAuthorizer_Middleware(t *testing.T) {
	user := &auth.User{ID: 1, Username: "alice", UserType: auth.UserActiveFree}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := TokenFromContext(r.Context())
		require.True(t, ok)
		bound, ok := UserFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, token.UserID, bound.ID)
		w.WriteHeader(http.StatusOK)
	})

	t.Run("missing credential is 401", func(t *testing.T) {
		tokens, users, _, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		rec := httptest.NewRecorder()
		a.Authenticated()(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "errors")
	})

	t.Run("scope gate", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		token, err := auth.NewExternalToken(user, "supersecrettoken", "webhooks:read")
		require.NoError(t, err)
		token.ID = 30
		expectLookup(mock, token, user)

		required, err := scopes.Parse("webhooks:write")
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodPost, "/webhooks", nil)
		r.Header.Set("Authorization", "token supersecrettoken")
		rec := httptest.NewRecorder()
		a.Require(required)(handler).ServeHTTP(rec, r)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "webhooks:write")
		// Write requirements spell out that the read grant does not cover them.
		assert.Contains(t, rec.Body.String(), "webhooks:read is not sufficient")
	})

	t.Run("read requirement satisfied by write grant", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		token, err := auth.NewExternalToken(user, "supersecrettoken", "webhooks:write")
		require.NoError(t, err)
		token.ID = 31
		expectLookup(mock, token, user)

		required, err := scopes.Parse("webhooks")
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodGet, "/webhooks", nil)
		r.Header.Set("Authorization", "token supersecrettoken")
		rec := httptest.NewRecorder()
		a.Require(required)(handler).ServeHTTP(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("scope gate precedes standing", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{Tokens: tokens, Users: users})

		suspended := &auth.User{ID: 5, Username: "mallory",
			UserType: auth.UserSuspended, SuspensionNotice: "spam"}
		token, err := auth.NewExternalToken(suspended, "supersecrettoken", "webhooks:read")
		require.NoError(t, err)
		token.ID = 33
		expectLookup(mock, token, suspended)

		required, err := scopes.Parse("webhooks:write")
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodPost, "/webhooks", nil)
		r.Header.Set("Authorization", "token supersecrettoken")
		rec := httptest.NewRecorder()
		a.Require(required)(handler).ServeHTTP(rec, r)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "webhooks:write")
		assert.NotContains(t, rec.Body.String(), "suspended")
	})

	t.Run("suspension notice includes support contact", func(t *testing.T) {
		tokens, users, mock, _ := newAuthStores(t)
		a := newTestAuthorizer(t, AuthorizerConfig{
			Tokens: tokens, Users: users, SupportEmail: "support@forgenet.example",
		})

		suspended := &auth.User{ID: 2, Username: "mallory",
			UserType: auth.UserSuspended, SuspensionNotice: "spam"}
		token, err := auth.NewExternalToken(suspended, "supersecrettoken", "*")
		require.NoError(t, err)
		token.ID = 32
		expectLookup(mock, token, suspended)

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "token supersecrettoken")
		rec := httptest.NewRecorder()
		a.Authenticated()(handler).ServeHTTP(rec, r)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "spam")
		assert.Contains(t, rec.Body.String(), "support@forgenet.example")
	})
}
