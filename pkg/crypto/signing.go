package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// Signature header names shared by every service on the network.
const (
	HeaderPayloadSignature = "X-Payload-Signature"
	HeaderPayloadNonce     = "X-Payload-Nonce"
)

const nonceSize = 8

// Signer signs payloads with the site webhook key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner builds a signer from a base64-encoded Ed25519 seed or private
// key, matching the key format stored in site configuration.
func NewSigner(privateKeyB64 string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook private key encoding: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Signer{key: ed25519.PrivateKey(raw)}, nil
	}
	return nil, fmt.Errorf("invalid webhook private key length %d", len(raw))
}

// PublicKey returns the base64-encoded verification key for this signer.
func (s *Signer) PublicKey() string {
	pub := s.key.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// Sign produces the signature and nonce header values for a payload. The
// signature covers payload||nonce; the nonce is 8 random bytes hex-encoded.
func (s *Signer) Sign(payload []byte) (signature, nonce string, err error) {
	raw := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce = hex.EncodeToString(raw)
	sig := ed25519.Sign(s.key, append(append([]byte{}, payload...), []byte(nonce)...))
	return base64.StdEncoding.EncodeToString(sig), nonce, nil
}

// SignedHeaders returns the signature headers for a payload.
func (s *Signer) SignedHeaders(payload []byte) (http.Header, error) {
	signature, nonce, err := s.Sign(payload)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set(HeaderPayloadSignature, signature)
	h.Set(HeaderPayloadNonce, nonce)
	return h, nil
}

// Verifier checks payload signatures from the network signing key.
type Verifier struct {
	key   ed25519.PublicKey
	cache NonceCache
}

// NewVerifier builds a verifier from a base64-encoded Ed25519 public key.
// The nonce cache may be nil, which disables replay protection.
func NewVerifier(publicKeyB64 string, cache NonceCache) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid webhook public key length %d", len(raw))
	}
	return &Verifier{key: ed25519.PublicKey(raw), cache: cache}, nil
}

// Verify authenticates a payload against its signature and nonce header
// values. A nonce that has been seen before fails verification.
func (v *Verifier) Verify(payload []byte, signatureB64, nonce string) error {
	if signatureB64 == "" || nonce == "" {
		return fmt.Errorf("missing payload signature headers")
	}
	if v.cache != nil {
		seen, err := v.cache.SeenNonce(nonce)
		if err != nil {
			return fmt.Errorf("nonce cache failure: %w", err)
		}
		if seen {
			return fmt.Errorf("payload nonce has already been used")
		}
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("invalid payload signature encoding: %w", err)
	}
	signed := append(append([]byte{}, payload...), []byte(nonce)...)
	if !ed25519.Verify(v.key, signed, sig) {
		return fmt.Errorf("payload signature verification failed")
	}
	return nil
}

// VerifyRequest authenticates an inbound HTTP request body that was read by
// the caller, using the request's signature headers.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) error {
	return v.Verify(body,
		r.Header.Get(HeaderPayloadSignature),
		r.Header.Get(HeaderPayloadNonce))
}
