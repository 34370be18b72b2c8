package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklens/internal/auth"
)

func newProtected(t *testing.T, enabled bool) (http.Handler, *auth.Authenticator) {
	t.Helper()
	a, err := auth.NewAuthenticator(auth.Options{Enabled: enabled, Password: "pw", JWTSecret: "secret"})
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g := auth.FromContext(r.Context()); g != nil {
			w.Header().Set("X-Role", string(g.Role))
		}
		w.WriteHeader(http.StatusOK)
	})
	return AuthMiddleware(a, "/healthz", "/auth/login")(next), a
}

func TestAuthMiddleware(t *testing.T) {
	h, a := newProtected(t, true)
	op, err := a.Login(auth.DefaultUsername, "pw")
	require.NoError(t, err)
	grant, err := a.Verify(op.Value)
	require.NoError(t, err)
	viewer, _, err := a.Share(grant, []string{"lobby"}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		header string
		want   int
		role   string
	}{
		{"missing", "/runs", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/runs", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "/runs", "Bearer nope", http.StatusUnauthorized, ""},
		{"operator bearer", "/runs", "Bearer " + op.Value, http.StatusOK, "operator"},
		{"viewer query token", "/ws/tracks/lobby?token=" + viewer.Value, "", http.StatusOK, "viewer"},
		{"public path", "/healthz", "", http.StatusOK, ""},
		{"public prefix needs a slash", "/healthz/extra", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.role, rec.Header().Get("X-Role"))
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	h, _ := newProtected(t, false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Role"))
}

func TestIsPublicPrefix(t *testing.T) {
	assert.True(t, isPublic("/static/app.js", []string{"/static/"}))
	assert.False(t, isPublic("/staticfoo", []string{"/static/"}))
}
