// Package apperr defines the error taxonomy of the coordination core.
//
// Each class has a sentinel for errors.Is checks and a typed error carrying
// context for errors.As:
//
//   - IsolationError (ErrDataIsolationViolation): hard failure, audited
//   - IdentityConflictError (ErrIdentityConflict): hard failure, audited
//   - TransientDispatchError (ErrTransientDispatch): retried once, then fallback reply
//   - InsufficientDataError (ErrInsufficientData): silent no-op in the learning engine
//   - PatternConflictError (ErrPatternConflict): pattern skipped, reply proceeds
//
// ErrStaleTimer is informational; superseded batch timers are dropped without
// being surfaced as errors.
package apperr
