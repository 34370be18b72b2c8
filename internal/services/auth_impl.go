package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"tracklens/internal/auth"
)

// LoginPayload carries the operator credentials
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is a bearer token and its expiry (Unix seconds)
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt int64     `json:"expires_at"`
	Role      auth.Role `json:"role"`
}

// AuthStatus describes the caller's authentication state
type AuthStatus struct {
	Enabled       bool       `json:"enabled"`
	Authenticated bool       `json:"authenticated"`
	Subject       *string    `json:"subject,omitempty"`
	Role          *auth.Role `json:"role,omitempty"`
	Pipelines     []string   `json:"pipelines,omitempty"`
	ExpiresAt     *int64     `json:"expires_at,omitempty"`
}

// SharePayload asks for a viewer token limited to some pipelines
type SharePayload struct {
	Pipelines  []string `json:"pipelines"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// ShareResult is a viewer token with ready-made stream links
type ShareResult struct {
	Token     string            `json:"token"`
	ExpiresAt int64             `json:"expires_at"`
	Pipelines []string          `json:"pipelines"`
	Streams   map[string]string `json:"streams"`
}

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{
		authenticator: authenticator,
	}
}

// Login authenticates the operator and returns an operator token
func (a *AuthImplementation) Login(ctx context.Context, payload *LoginPayload) (*LoginResult, error) {
	token, err := a.authenticator.Login(payload.Username, payload.Password)
	if err != nil {
		return nil, authError(err)
	}
	return &LoginResult{
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt.Unix(),
		Role:      auth.RoleOperator,
	}, nil
}

// Status returns the current authentication status
func (a *AuthImplementation) Status(ctx context.Context) (*AuthStatus, error) {
	status := &AuthStatus{Enabled: a.authenticator.Enabled()}

	// The middleware leaves the grant in the context when a token was accepted
	if g := auth.FromContext(ctx); g != nil {
		status.Authenticated = true
		status.Subject = ptrString(g.Subject)
		status.Role = &g.Role
		status.Pipelines = g.Pipelines
		exp := g.ExpiresAt.Unix()
		status.ExpiresAt = &exp
	}
	return status, nil
}

// Share issues a viewer token for the requested pipelines
func (a *AuthImplementation) Share(ctx context.Context, payload *SharePayload) (*ShareResult, error) {
	if payload.TTLSeconds < 0 {
		return nil, &BadRequestError{Message: "ttl_seconds must not be negative"}
	}
	ttl := time.Duration(payload.TTLSeconds) * time.Second
	token, g, err := a.authenticator.Share(auth.FromContext(ctx), payload.Pipelines, ttl)
	if err != nil {
		return nil, authError(err)
	}

	res := &ShareResult{
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt.Unix(),
		Pipelines: g.Pipelines,
		Streams:   make(map[string]string, len(g.Pipelines)),
	}
	for _, p := range g.Pipelines {
		res.Streams[p] = fmt.Sprintf("/stream/%s/mjpeg?token=%s", url.PathEscape(p), url.QueryEscape(token.Value))
	}
	return res, nil
}

func authError(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return &UnauthorizedError{Message: "Invalid username or password"}
	case errors.Is(err, auth.ErrAuthDisabled):
		return &BadRequestError{Message: "Authentication is disabled"}
	case errors.Is(err, auth.ErrForbidden):
		return &ForbiddenError{Message: "Operator token required"}
	case errors.Is(err, auth.ErrNoPipelines):
		return &BadRequestError{Message: err.Error()}
	default:
		return &InternalError{Message: err.Error()}
	}
}
