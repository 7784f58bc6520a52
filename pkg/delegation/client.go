package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgenet/core-go/pkg/crypto"
)

// ErrTemporary is returned when the authority cannot be reached. Callers
// surface it as a 500-level failure rather than rejecting the credential.
var ErrTemporary = fmt.Errorf("temporary authentication failure")

// DelegationError carries a non-200 authority response through unmodified so
// the caller can relay the authority's own error body.
type DelegationError struct {
	Status int
	Body   string
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("authority returned %d: %s", e.Status, e.Body)
}

// Profile mirrors the authority's user profile JSON.
type Profile struct {
	Name             string  `json:"name"`
	Email            string  `json:"email"`
	UserType         string  `json:"user_type"`
	URL              *string `json:"url"`
	Location         *string `json:"location"`
	Bio              *string `json:"bio"`
	SuspensionNotice *string `json:"suspension_notice"`
}

// ExchangeResult is the authority's answer for a verified token.
type ExchangeResult struct {
	Token   string
	Expires time.Time
	Scopes  string
	Profile *Profile
}

// Client talks to the central account authority.
type Client struct {
	Origin        string
	ClientID      string
	ClientSecret  string
	RevocationURL string
	HTTPClient    *http.Client
}

// NewClient builds an authority client with a sane default timeout.
func NewClient(origin, clientID, clientSecret, revocationURL string) *Client {
	return &Client{
		Origin:        origin,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		RevocationURL: revocationURL,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// expiresFormats covers the authority's timestamp serializations.
var expiresFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseExpires(s string) (time.Time, error) {
	for _, layout := range expiresFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expires timestamp %q", s)
}

// Exchange verifies a bearer token with the authority and fetches the
// profile it belongs to. A non-200 from the authority is returned as a
// *DelegationError; transport failures are folded into ErrTemporary.
func (c *Client) Exchange(ctx context.Context, token string) (*ExchangeResult, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":      c.ClientID,
		"client_secret":  c.ClientSecret,
		"revocation_url": c.RevocationURL,
		"oauth_token":    token,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Origin+"/oauth/token/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemporary, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemporary, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &DelegationError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var payload struct {
		Token   string `json:"token"`
		Expires string `json:"expires"`
		Scopes  string `json:"scopes"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}
	expires, err := parseExpires(payload.Expires)
	if err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}

	profile, err := c.FetchProfile(ctx, payload.Token)
	if err != nil {
		return nil, err
	}

	return &ExchangeResult{
		Token:   payload.Token,
		Expires: expires,
		Scopes:  payload.Scopes,
		Profile: profile,
	}, nil
}

// FetchProfile fetches the profile owning the given token.
func (c *Client) FetchProfile(ctx context.Context, token string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.Origin+"/api/user/profile", nil)
	if err != nil {
		return nil, fmt.Errorf("building profile request: %w", err)
	}
	req.Header.Set("Authorization", "token "+token)
	return c.doProfile(req)
}

// FetchUnknownUser fetches a profile over the internal-auth side channel,
// for users acting through trusted services before they have ever
// authenticated against this one directly.
func (c *Client) FetchUnknownUser(ctx context.Context, key *crypto.NetworkKey, username string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.Origin+"/api/user/profile", nil)
	if err != nil {
		return nil, fmt.Errorf("building profile request: %w", err)
	}
	headers, err := key.AuthorizationHeaders(crypto.InternalAuthorization{
		Name:     username,
		ClientID: c.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding internal credential: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return c.doProfile(req)
}

func (c *Client) doProfile(req *http.Request) (*Profile, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemporary, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemporary, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &DelegationError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var profile Profile
	if err := json.Unmarshal(respBody, &profile); err != nil {
		return nil, fmt.Errorf("decoding profile response: %w", err)
	}
	return &profile, nil
}
