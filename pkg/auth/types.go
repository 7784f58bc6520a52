package auth

import (
	"time"

	"github.com/forgenet/core-go/pkg/scopes"
)

// UserType describes the standing of an account with the central authority.
type UserType string

const (
	UserUnconfirmed     UserType = "unconfirmed"
	UserActiveNonPaying UserType = "active_non_paying"
	UserActiveFree      UserType = "active_free"
	UserActivePaying    UserType = "active_paying"
	UserActiveDelinquent UserType = "active_delinquent"
	UserSuspended       UserType = "suspended"
	UserAdmin           UserType = "admin"
	UserUnknown         UserType = "unknown"
)

// ParseUserType maps an authority-provided string onto a UserType, falling
// back to UserUnknown for values this revision does not recognize.
func ParseUserType(s string) UserType {
	switch UserType(s) {
	case UserUnconfirmed, UserActiveNonPaying, UserActiveFree,
		UserActivePaying, UserActiveDelinquent, UserSuspended, UserAdmin:
		return UserType(s)
	}
	return UserUnknown
}

// User is a local mirror of an account mastered by the central authority.
// Rows are upserted whenever fresh profile data arrives, either through a
// delegated exchange or a profile-update webhook.
type User struct {
	ID               int64     `json:"id"`
	Created          time.Time `json:"created"`
	Updated          time.Time `json:"updated"`
	Username         string    `json:"name"`
	Email            string    `json:"email"`
	UserType         UserType  `json:"user_type"`
	URL              string    `json:"url,omitempty"`
	Location         string    `json:"location,omitempty"`
	Bio              string    `json:"bio,omitempty"`
	SuspensionNotice string    `json:"suspension_notice,omitempty"`
}

// CanonicalName returns the network-wide rendering of the username.
func (u *User) CanonicalName() string {
	return "~" + u.Username
}

// OAuthClient represents a third-party application registered with the
// central authority. Tokens optionally reference one.
type OAuthClient struct {
	ID           int64     `json:"id"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"-"`
	UserID       int64     `json:"user_id"`
}

// Token is a bearer credential accepted by the authorization middleware.
type Token struct {
	ID           int64      `json:"id"`
	Created      time.Time  `json:"created"`
	Updated      time.Time  `json:"updated"`
	Expires      time.Time  `json:"expires"`
	TokenHash    string     `json:"-"`
	TokenPartial string     `json:"token_partial"`
	Scopes       scopes.Set `json:"scopes"`
	UserID       int64      `json:"user_id"`
	// ClientID references the issuing OAuthClient row, when the deployment
	// is multi-tenant. Nil for first-party tokens.
	ClientID *int64 `json:"client_id,omitempty"`

	// User is the owning user, attached by stores that join it. May be nil.
	User *User `json:"-"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.Expires)
}

// AuthorizedFor reports whether the token's scope set fulfills want.
func (t *Token) AuthorizedFor(want scopes.Scope) bool {
	return t.Scopes.Authorizes(want)
}

// Internal reports whether this is a synthetic service-to-service token.
func (t *Token) Internal() bool {
	return t.TokenPartial == InternalPartial
}
