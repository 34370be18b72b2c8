// Package middleware contains HTTP middleware for the preview server.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tracklens/internal/auth"
)

// AuthMiddleware verifies bearer tokens and stores the grant in the request
// context, where auth.FromContext finds it. Paths listed in public, or under
// a public prefix ending in "/", skip the check. Browsers cannot set headers
// on <img> and WebSocket requests, so a "token" query parameter is accepted
// as well.
func AuthMiddleware(authenticator *auth.Authenticator, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authenticator.Enabled() || isPublic(r.URL.Path, public) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			switch {
			case !ok:
				unauthorized(w, "missing authorization header")
				return
			case token == "":
				unauthorized(w, "invalid authorization header format")
				return
			}

			grant, err := authenticator.Verify(token)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					unauthorized(w, "token has expired")
				} else {
					unauthorized(w, "invalid token")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), grant)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tracklens"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// bearerToken extracts the token; ok is false when none was sent at all
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", true
		}
		return strings.TrimSpace(token), true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}
