package service

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Every verification failure, including key set fetch failures
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "invalid token: " + e.Reason
}

// Source of the identity provider's public keys, satisfied by *jwks.Cache
type KeyProvider interface {
	Key(ctx context.Context, kid string) (interface{}, error)
}

var signingMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

type AuthService struct {
	keys     KeyProvider
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewAuthService(keys KeyProvider, issuer, audience string, leeway time.Duration, logger zerolog.Logger) *AuthService {
	return &AuthService{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		now:      time.Now,
		logger:   logger,
	}
}

// Overrides the clock used for exp/nbf checks
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Validates signature, issuer, audience and expiry, then builds the caller's identity.
// A failure is terminal for the request; nothing is retried.
func (s *AuthService) Verify(ctx context.Context, tokenString string) (*models.Identity, error) {
	if tokenString == "" {
		return nil, &AuthError{Reason: "empty token"}
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return s.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		reason := failureReason(err)
		s.logger.Debug().Str("reason", reason).Err(err).Msg("token rejected")
		return nil, &AuthError{Reason: reason}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, &AuthError{Reason: "invalid token claims"}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, &AuthError{Reason: "missing subject"}
	}

	identity := &models.Identity{
		Subject:   sub,
		RawClaims: claims,
	}
	identity.Email, _ = claims["email"].(string)
	identity.EmailVerified, _ = claims["email_verified"].(bool)

	return identity, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "signing key unavailable"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not valid yet"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "unexpected issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "unexpected audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing required claim"
	default:
		return err.Error()
	}
}
