package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// ErrNoCredential indicates the request carried no usable credential.
var ErrNoCredential = errors.New("missing or malformed credential")

// Credential is the authenticated caller identity: the upstream bearer
// token plus a stable opaque user id used for cache key scoping.
type Credential struct {
	Token  string
	UserID string
}

// IdentityProvider resolves a request to an authenticated credential.
// Implementations must return ErrNoCredential when the request cannot
// be attributed to a user.
type IdentityProvider interface {
	Identify(r *http.Request) (*Credential, error)
}

// TokenIdentity is the default identity provider. It takes the bearer
// token from the Authorization header and derives the user id as a
// digest of the token, so the same session always maps to the same
// cache namespace without the gateway storing any account data.
type TokenIdentity struct{}

// Identify implements IdentityProvider.
func (TokenIdentity) Identify(r *http.Request) (*Credential, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return nil, ErrNoCredential
	}

	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return nil, ErrNoCredential
	}

	sum := sha256.Sum256([]byte(token))
	return &Credential{
		Token:  token,
		UserID: hex.EncodeToString(sum[:8]),
	}, nil
}
