// Package auth guards the preview server. One operator account logs in
// with a password; operators can hand out viewer tokens limited to a few
// pipelines, e.g. to share a single stream link.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultUsername names the operator account when none is configured
const DefaultUsername = "admin"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
	ErrForbidden          = errors.New("operation not permitted")
	ErrNoPipelines        = errors.New("at least one pipeline is required")
)

// Options configures an Authenticator
type Options struct {
	Enabled     bool
	Username    string
	Password    string // plaintext or bcrypt hash
	JWTSecret   string // random per process when empty
	TokenExpiry time.Duration
}

// Authenticator checks the operator account and issues grant tokens
type Authenticator struct {
	enabled  bool
	username string
	hash     []byte
	tokens   *TokenIssuer
}

// NewAuthenticator validates opts. A disabled authenticator still verifies
// tokens but never issues them.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	tokens, err := NewTokenIssuer(opts.JWTSecret, opts.TokenExpiry)
	if err != nil {
		return nil, err
	}
	a := &Authenticator{
		enabled:  opts.Enabled,
		username: opts.Username,
		tokens:   tokens,
	}
	if a.username == "" {
		a.username = DefaultUsername
	}
	if !opts.Enabled {
		return a, nil
	}

	switch {
	case opts.Password == "":
		return nil, errors.New("a password is required when authentication is enabled")
	case isBcryptHash(opts.Password):
		if _, err := bcrypt.Cost([]byte(opts.Password)); err != nil {
			return nil, fmt.Errorf("malformed password hash: %w", err)
		}
		a.hash = []byte(opts.Password)
	default:
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		a.hash = hash
	}
	return a, nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && strings.HasPrefix(s, "$2")
}

// Enabled reports whether requests need a token
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Login exchanges the operator credentials for an unrestricted operator token
func (a *Authenticator) Login(username, password string) (Token, error) {
	if !a.enabled {
		return Token{}, ErrAuthDisabled
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(a.hash, []byte(password))
	if !userOK || passErr != nil {
		return Token{}, ErrInvalidCredentials
	}
	return a.tokens.Issue(Grant{Subject: a.username, Role: RoleOperator}, 0)
}

// Share issues a viewer token for pipelines on behalf of an operator. The
// token lives for ttl, capped by the configured token expiry.
func (a *Authenticator) Share(by *Grant, pipelines []string, ttl time.Duration) (Token, *Grant, error) {
	if !a.enabled {
		return Token{}, nil, ErrAuthDisabled
	}
	if by == nil || !by.CanControl() {
		return Token{}, nil, ErrForbidden
	}

	scope := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		if p = strings.TrimSpace(p); p != "" {
			scope = append(scope, p)
		}
	}
	if len(scope) == 0 {
		return Token{}, nil, ErrNoPipelines
	}
	slices.Sort(scope)
	scope = slices.Compact(scope)

	g := Grant{Subject: by.Subject, Role: RoleViewer, Pipelines: scope}
	token, err := a.tokens.Issue(g, ttl)
	if err != nil {
		return Token{}, nil, err
	}
	g.ExpiresAt = token.ExpiresAt
	return token, &g, nil
}

// Verify returns the grant carried by token
func (a *Authenticator) Verify(token string) (*Grant, error) {
	return a.tokens.Verify(token)
}

// HashPassword creates a bcrypt hash of a password for the config file
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
