// ABOUTME: Tenant context for tracking the authenticated tenant through a request
// ABOUTME: Provides WithTenant/FromContext for propagating tenant identity via context

package auth

import (
	"context"
)

// SystemSubject is the subject used for work the service does on its own
// behalf, such as scheduled learning runs and timer-driven dispatch.
const SystemSubject = "system"

// TenantContext holds the authenticated identity extracted from a request.
// Every tenant-scoped operation reads TenantID from here; it is never taken
// from a request body.
type TenantContext struct {
	TenantID string   // tenant the caller acts for
	Subject  string   // token subject, or SystemSubject
	Roles    []string // roles granted by the token
}

// HasRole returns true if the caller holds role.
func (t *TenantContext) HasRole(role string) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanReview returns true if the caller may approve, reject or retire patterns.
func (t *TenantContext) CanReview() bool {
	return t.HasRole(RoleReviewer) || t.HasRole(RoleAdmin)
}

// Roles carried in tokens
const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleIngest   = "ingest"
)

type tenantContextKey struct{}

// WithTenant returns a new context with the TenantContext attached.
func WithTenant(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// SystemContext attaches a system identity acting for tenantID.
func SystemContext(ctx context.Context, tenantID string) context.Context {
	return WithTenant(ctx, &TenantContext{
		TenantID: tenantID,
		Subject:  SystemSubject,
		Roles:    []string{RoleAdmin},
	})
}

// FromContext retrieves the TenantContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *TenantContext {
	tc, _ := ctx.Value(tenantContextKey{}).(*TenantContext)
	return tc
}

// MustFromContext retrieves the TenantContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *TenantContext {
	tc := FromContext(ctx)
	if tc == nil {
		panic("auth: TenantContext not found in context")
	}
	return tc
}

// TenantID returns the caller's tenant, or "" when the context carries none.
func TenantID(ctx context.Context) string {
	if tc := FromContext(ctx); tc != nil {
		return tc.TenantID
	}
	return ""
}
