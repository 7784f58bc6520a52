package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/nacl/secretbox"
)

// HeaderInternalAuth carries the encrypted inter-service credential.
const HeaderInternalAuth = "X-Forge-Authorization"

// InternalAuthorization is the authenticated side-channel payload exchanged
// between co-deployed services. It names the acting user and the calling
// service's client id.
type InternalAuthorization struct {
	Name          string `json:"name"`
	ClientID      string `json:"client_id"`
	OAuthClientID string `json:"oauth_client_id,omitempty"`
}

const networkKeySize = 32

// NetworkKey encrypts and authenticates internal credentials under the
// network-wide shared key.
type NetworkKey struct {
	key [networkKeySize]byte
}

// NewNetworkKey builds a NetworkKey from its base64-encoded configuration
// value.
func NewNetworkKey(keyB64 string) (*NetworkKey, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid network key encoding: %w", err)
	}
	if len(raw) != networkKeySize {
		return nil, fmt.Errorf("invalid network key length %d", len(raw))
	}
	nk := &NetworkKey{}
	copy(nk.key[:], raw)
	return nk, nil
}

// EncryptAuthorization produces the header value authenticating an internal
// request on behalf of the given user.
func (nk *NetworkKey) EncryptAuthorization(auth InternalAuthorization) (string, error) {
	plaintext, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization: %w", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &nk.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// VerifyAuthorization authenticates and decodes an internal credential blob.
func (nk *NetworkKey) VerifyAuthorization(blob string) (*InternalAuthorization, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization encoding: %w", err)
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("authorization blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &nk.key)
	if !ok {
		return nil, fmt.Errorf("internal request authorization failed")
	}
	var auth InternalAuthorization
	if err := json.Unmarshal(plaintext, &auth); err != nil {
		return nil, fmt.Errorf("malformed authorization payload: %w", err)
	}
	if auth.Name == "" {
		return nil, fmt.Errorf("authorization payload names no user")
	}
	return &auth, nil
}

// AuthorizationHeaders returns the headers authenticating an outgoing
// internal request to another service on the network.
func (nk *NetworkKey) AuthorizationHeaders(auth InternalAuthorization) (http.Header, error) {
	blob, err := nk.EncryptAuthorization(auth)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set(HeaderInternalAuth, blob)
	return h, nil
}
