// ABOUTME: Tenant guard that checks resource ownership against the caller's tenant
// ABOUTME: Violations are logged at ERROR with an audit flag and written to the audit log

package auth

import (
	"context"
	"log/slog"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/store"
)

// AuditSink receives audit entries. store.SQLiteStore satisfies it.
type AuditSink interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Guard compares the tenant of the calling context with the tenant that owns
// a resource. A mismatch is never corrected: the caller gets an
// *apperr.IsolationError and the event is logged and audited.
type Guard struct {
	audit  AuditSink
	logger *slog.Logger
}

// NewGuard creates a guard. audit may be nil, in which case violations are
// only logged.
func NewGuard(audit AuditSink, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		audit:  audit,
		logger: logger.With("component", "tenant_guard"),
	}
}

// Check returns nil when ctx acts for ownerTenant. A context without a tenant
// is treated as a violation.
func (g *Guard) Check(ctx context.Context, resource, ownerTenant string) error {
	caller := TenantID(ctx)
	if caller != "" && caller == ownerTenant {
		return nil
	}
	return g.Violation(ctx, resource, ownerTenant)
}

// Violation reports that ctx touched a resource owned by actualTenant.
// It always returns a non-nil *apperr.IsolationError.
func (g *Guard) Violation(ctx context.Context, resource, actualTenant string) error {
	caller := TenantID(ctx)
	err := &apperr.IsolationError{
		Resource: resource,
		Expected: caller,
		Actual:   actualTenant,
	}

	g.logger.Error("data isolation violation",
		"audit", true,
		"resource", resource,
		"tenant_id", caller,
		"resource_tenant", actualTenant,
	)

	if g.audit != nil {
		entry := &store.AuditEntry{
			TenantID:   caller,
			Actor:      subject(ctx),
			Action:     store.AuditDataIsolationViolation,
			TargetType: resource,
			TargetID:   actualTenant,
			Detail: map[string]any{
				"caller_tenant":   caller,
				"resource_tenant": actualTenant,
			},
		}
		// The audit write must not depend on the failing request's deadline.
		if auditErr := g.audit.AppendAuditLog(context.WithoutCancel(ctx), entry); auditErr != nil {
			g.logger.Error("failed to audit isolation violation", "error", auditErr)
		}
	}

	return err
}

func subject(ctx context.Context) string {
	if tc := FromContext(ctx); tc != nil && tc.Subject != "" {
		return tc.Subject
	}
	return "unknown"
}
