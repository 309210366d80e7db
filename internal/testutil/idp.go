// Package testutil provides a fake identity provider for tests that need
// signed tokens and a key set endpoint.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const Audience = "https://api.xvpn.test"

type IdentityProvider struct {
	Server *httptest.Server

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
	kid  string

	hits atomic.Int64
	fail atomic.Bool
}

// NewIdentityProvider starts a key set server holding one RSA key with kid "k1".
func NewIdentityProvider(t *testing.T) *IdentityProvider {
	t.Helper()

	idp := &IdentityProvider{keys: make(map[string]*rsa.PrivateKey)}
	idp.AddKey(t, "k1")

	idp.Server = httptest.NewServer(http.HandlerFunc(idp.serveKeySet))
	t.Cleanup(idp.Server.Close)

	return idp
}

// AddKey generates a new key and makes it the one used for signing.
func (p *IdentityProvider) AddKey(t *testing.T, kid string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	p.mu.Lock()
	p.keys[kid] = key
	p.kid = kid
	p.mu.Unlock()
}

func (p *IdentityProvider) KeySetURL() string {
	return p.Server.URL + "/.well-known/jwks.json"
}

func (p *IdentityProvider) Issuer() string {
	return p.Server.URL + "/"
}

// Hits reports how many times the key set was fetched.
func (p *IdentityProvider) Hits() int64 {
	return p.hits.Load()
}

// SetFailing makes the key set endpoint answer 503.
func (p *IdentityProvider) SetFailing(fail bool) {
	p.fail.Store(fail)
}

// Claims returns a valid claim set for sub that expires in an hour.
func (p *IdentityProvider) Claims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            p.Issuer(),
		"aud":            Audience,
		"sub":            sub,
		"email":          sub + "@example.com",
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

// Token signs claims with the current key.
func (p *IdentityProvider) Token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	p.mu.Lock()
	kid, key := p.kid, p.keys[p.kid]
	p.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// TokenFor is shorthand for Token(t, Claims(sub)).
func (p *IdentityProvider) TokenFor(t *testing.T, sub string) string {
	t.Helper()
	return p.Token(t, p.Claims(sub))
}

func (p *IdentityProvider) serveKeySet(w http.ResponseWriter, r *http.Request) {
	p.hits.Add(1)

	if p.fail.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	p.mu.Lock()
	set := jose.JSONWebKeySet{}
	for kid, key := range p.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}
