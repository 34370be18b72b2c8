package auth

import (
	"context"
	"slices"
	"time"
)

// Role is what a token holder may do on the preview server
type Role string

const (
	RoleViewer   Role = "viewer"   // watch streams and read run history
	RoleOperator Role = "operator" // also start and stop pipelines
)

func (r Role) valid() bool {
	return r == RoleViewer || r == RoleOperator
}

// Grant is the access carried by a verified token. An empty Pipelines list
// covers every pipeline.
type Grant struct {
	Subject   string    `json:"subject"`
	Role      Role      `json:"role"`
	Pipelines []string  `json:"pipelines,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Unrestricted reports whether the grant covers every pipeline
func (g *Grant) Unrestricted() bool {
	return len(g.Pipelines) == 0
}

// CanView reports whether the holder may watch pipeline and read its runs
func (g *Grant) CanView(pipeline string) bool {
	if !g.Role.valid() {
		return false
	}
	return g.Unrestricted() || slices.Contains(g.Pipelines, pipeline)
}

// CanControl reports whether the holder may start and stop pipelines
func (g *Grant) CanControl() bool {
	return g.Role == RoleOperator && g.Unrestricted()
}

type grantKey struct{}

// NewContext returns a copy of ctx carrying g
func NewContext(ctx context.Context, g *Grant) context.Context {
	return context.WithValue(ctx, grantKey{}, g)
}

// FromContext returns the grant of the request, or nil when the server runs
// without authentication
func FromContext(ctx context.Context) *Grant {
	g, _ := ctx.Value(grantKey{}).(*Grant)
	return g
}
