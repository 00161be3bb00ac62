// Package security implements the Security Gate: token extraction and
// constant-time verification guarding the rest of the request pipeline.
//
// Grounded on afterdarksys-apiproxyd's daemon.handleMetrics, which checks
// an Authorization bearer token with crypto/subtle.ConstantTimeCompare to
// avoid timing side channels; generalized here to the spec's four token
// sources and extended with crypto/rand-based key generation.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/grokify/apibuddy/pkg/apierrors"
)

// HeaderName is the dedicated header clients may use to present their key.
const HeaderName = "X-API-Buddy-Key"

// QueryParam is the query-string parameter clients may use to present
// their key when a header isn't convenient.
const QueryParam = "key"

// Gate is the Security Gate. When Required is false, every request is
// admitted and path-prefix stripping never occurs.
type Gate struct {
	mu            sync.RWMutex
	required      bool
	key           string
	autoGenerated bool
	exposed       bool
}

// New constructs a Gate. If required is true and key is empty, a random
// 128-bit key is generated immediately and marked auto-generated, which
// gates GetSecureKey to a single retrieval.
func New(required bool, key string) (*Gate, error) {
	g := &Gate{required: required, key: key}
	if required && key == "" {
		generated, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		g.key = generated
		g.autoGenerated = true
	}
	return g, nil
}

// GenerateKey returns a fresh, hex-encoded 128-bit random token.
func GenerateKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("security: generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// GetSecureKey returns the active key and whether it is available on this
// call. An operator-configured key is always returned — the operator is
// assumed to already know it. An auto-generated key is returned exactly
// once per process lifetime; every call after the first returns ("", false).
func (g *Gate) GetSecureKey() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.autoGenerated {
		return g.key, true
	}
	if g.exposed {
		return "", false
	}
	g.exposed = true
	return g.key, true
}

// Required reports whether the gate currently enforces authentication.
func (g *Gate) Required() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.required
}

// Authenticate extracts a token from the request in priority order —
// X-API-Buddy-Key header, then Authorization: Bearer, then the "key"
// query parameter, then the leading path segment "/<token>/..." — and
// verifies it in constant time against the configured key. If the
// gate is not required, Authenticate always succeeds and returns the
// request path unmodified. On success it returns the path with any
// consumed path-prefix token segment stripped.
func (g *Gate) Authenticate(r *http.Request) (strippedPath string, err error) {
	g.mu.RLock()
	required, key := g.required, g.key
	g.mu.RUnlock()

	if !required {
		return r.URL.Path, nil
	}

	if token := r.Header.Get(HeaderName); token != "" {
		if !constantTimeEqual(token, key) {
			return "", &apierrors.AuthError{Reason: "invalid key in " + HeaderName}
		}
		return r.URL.Path, nil
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if !constantTimeEqual(token, key) {
			return "", &apierrors.AuthError{Reason: "invalid bearer token"}
		}
		return r.URL.Path, nil
	}

	if token := r.URL.Query().Get(QueryParam); token != "" {
		if !constantTimeEqual(token, key) {
			return "", &apierrors.AuthError{Reason: "invalid key query parameter"}
		}
		return r.URL.Path, nil
	}

	if token, rest, ok := stripPathPrefixToken(r.URL.Path); ok {
		if !constantTimeEqual(token, key) {
			return "", &apierrors.AuthError{Reason: "invalid key path prefix"}
		}
		return rest, nil
	}

	return "", &apierrors.AuthError{Reason: "no key presented"}
}

// stripPathPrefixToken parses a "/<token>/<rest...>" path into its first
// segment and the remaining path (re-prefixed with "/"). It does not
// validate the token; it only splits the path.
func stripPathPrefixToken(path string) (token, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", false
	}
	token = parts[0]
	if len(parts) == 2 {
		rest = "/" + parts[1]
	} else {
		rest = "/"
	}
	return token, rest, true
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a comparison (of a against itself) so a length
		// mismatch does not return without doing any comparison work.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
