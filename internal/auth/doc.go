// Package auth provides tenant authentication and isolation checks for batchline.
//
// # Tenant Tokens
//
// API callers authenticate with HS256 JWTs signed with auth.jwt_secret. A token
// carries:
//
//   - sub: the caller (an integration, a reviewer, an operator)
//   - tid: the tenant the caller acts for
//   - roles: optional roles ("ingest", "reviewer", "admin")
//
// HTTPAuthMiddleware verifies the token and attaches a TenantContext to the
// request context. The tenant is never read from request bodies.
//
// # Background Work
//
// Timer-driven dispatch and scheduled learning have no request. They run under
// SystemContext(ctx, tenantID), which carries the tenant of the batch or run.
//
// # Isolation Guard
//
// Guard.Check compares the tenant in the context with the tenant that owns a
// resource. On mismatch it returns *apperr.IsolationError, logs at ERROR with
// "audit"=true and appends a data_isolation_violation entry to the audit log:
//
//	if err := guard.Check(ctx, "memory_record", key.TenantID); err != nil {
//		return err
//	}
package auth
