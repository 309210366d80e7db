package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/jwks"
	"github.com/aman-churiwal/xvpn-gateway/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func newVerifier(idp *testutil.IdentityProvider) *AuthService {
	cache := jwks.New(jwks.Config{URL: idp.KeySetURL()}, zerolog.Nop())
	return NewAuthService(cache, idp.Issuer(), testutil.Audience, 0, zerolog.Nop())
}

func TestVerifyValidToken(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	svc := newVerifier(idp)

	identity, err := svc.Verify(context.Background(), idp.TokenFor(t, "auth0|alice"))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if identity.Subject != "auth0|alice" {
		t.Errorf("subject = %q", identity.Subject)
	}
	if identity.Email != "auth0|alice@example.com" {
		t.Errorf("email = %q", identity.Email)
	}
	if !identity.EmailVerified {
		t.Error("emailVerified = false, want true")
	}
	if identity.RawClaims["aud"] != testutil.Audience {
		t.Errorf("raw aud = %v", identity.RawClaims["aud"])
	}
}

func TestVerifyRejects(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	svc := newVerifier(idp)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		token  func() string
		reason string
	}{
		{
			name:   "empty",
			token:  func() string { return "" },
			reason: "empty token",
		},
		{
			name:   "garbage",
			token:  func() string { return "not.a.jwt" },
			reason: "malformed token",
		},
		{
			name: "expired",
			token: func() string {
				c := idp.Claims("alice")
				c["exp"] = time.Now().Add(-time.Minute).Unix()
				return idp.Token(t, c)
			},
			reason: "token expired",
		},
		{
			name: "missing exp",
			token: func() string {
				c := idp.Claims("alice")
				delete(c, "exp")
				return idp.Token(t, c)
			},
			reason: "missing required claim",
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := idp.Claims("alice")
				c["iss"] = "https://evil.example/"
				return idp.Token(t, c)
			},
			reason: "unexpected issuer",
		},
		{
			name: "wrong audience",
			token: func() string {
				c := idp.Claims("alice")
				c["aud"] = "someone-else"
				return idp.Token(t, c)
			},
			reason: "unexpected audience",
		},
		{
			name: "missing subject",
			token: func() string {
				c := idp.Claims("alice")
				delete(c, "sub")
				return idp.Token(t, c)
			},
			reason: "missing subject",
		},
		{
			name: "forged signature",
			token: func() string {
				tok := jwt.NewWithClaims(jwt.SigningMethodRS256, idp.Claims("alice"))
				tok.Header["kid"] = "k1"
				s, err := tok.SignedString(otherKey)
				if err != nil {
					t.Fatal(err)
				}
				return s
			},
			reason: "invalid signature",
		},
		{
			name: "hmac algorithm",
			token: func() string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, idp.Claims("alice"))
				tok.Header["kid"] = "k1"
				s, err := tok.SignedString([]byte("secret"))
				if err != nil {
					t.Fatal(err)
				}
				return s
			},
			reason: "invalid signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(context.Background(), tt.token())

			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("Verify() error = %v, want *AuthError", err)
			}
			if authErr.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", authErr.Reason, tt.reason)
			}
		})
	}
}

func TestVerifyFailsClosedWhenKeysUnavailable(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.SetFailing(true)
	svc := newVerifier(idp)

	_, err := svc.Verify(context.Background(), idp.TokenFor(t, "alice"))

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Verify() error = %v, want *AuthError", err)
	}
	if authErr.Reason != "signing key unavailable" {
		t.Errorf("reason = %q", authErr.Reason)
	}
}

func TestVerifyHonoursLeeway(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	cache := jwks.New(jwks.Config{URL: idp.KeySetURL()}, zerolog.Nop())
	svc := NewAuthService(cache, idp.Issuer(), testutil.Audience, time.Minute, zerolog.Nop())

	c := idp.Claims("alice")
	c["exp"] = time.Now().Add(-30 * time.Second).Unix()

	if _, err := svc.Verify(context.Background(), idp.Token(t, c)); err != nil {
		t.Fatalf("token inside leeway rejected: %v", err)
	}
}
