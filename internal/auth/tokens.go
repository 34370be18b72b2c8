package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of operator tokens when none is configured
const DefaultTokenTTL = 24 * time.Hour

const (
	tokenIssuer   = "tracklens"
	tokenAudience = "tracklens-preview"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Token is a signed grant
type Token struct {
	Value     string
	ExpiresAt time.Time
}

type grantClaims struct {
	Role      Role     `json:"role"`
	Pipelines []string `json:"pipelines,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 grant tokens
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer creates an issuer. An empty secret is replaced by a random
// key, so tokens do not survive a restart.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl, now: time.Now}, nil
}

// TTL returns the longest lifetime the issuer grants
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs g. A ttl that is zero or longer than the issuer's lifetime
// is replaced by it.
func (i *TokenIssuer) Issue(g Grant, ttl time.Duration) (Token, error) {
	if !g.Role.valid() {
		return Token{}, fmt.Errorf("unknown role %q", g.Role)
	}
	if ttl <= 0 || ttl > i.ttl {
		ttl = i.ttl
	}
	now := i.now()
	expiresAt := now.Add(ttl)

	claims := grantClaims{
		Role:      g.Role,
		Pipelines: g.Pipelines,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   g.Subject,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: value, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature, issuer, audience and expiry of value and
// returns the grant it carries
func (i *TokenIssuer) Verify(value string) (*Grant, error) {
	var claims grantClaims
	_, err := jwt.ParseWithClaims(value, &claims,
		func(*jwt.Token) (interface{}, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !claims.Role.valid():
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return &Grant{
		Subject:   claims.Subject,
		Role:      claims.Role,
		Pipelines: claims.Pipelines,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
