// ABOUTME: Error taxonomy shared by the coordination core
// ABOUTME: Sentinels for errors.Is plus typed errors carrying tenant and pattern context

package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match these through errors.Is.
var (
	ErrDataIsolationViolation = errors.New("data isolation violation")
	ErrIdentityConflict       = errors.New("identity conflict")
	ErrTransientDispatch      = errors.New("transient dispatch error")
	ErrInsufficientData       = errors.New("insufficient data")
	ErrPatternConflict        = errors.New("pattern conflict")
	ErrStaleTimer             = errors.New("stale timer fired")
)

// IsolationError reports a read or write whose key resolved to a tenant other
// than the caller's. It is never corrected or swallowed.
type IsolationError struct {
	Resource string // "memory_record", "pending_batch", "success_pattern", ...
	Expected string // caller's authenticated tenant
	Actual   string // tenant embedded in the key or record
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("data isolation violation on %s: caller tenant %q, resource tenant %q", e.Resource, e.Expected, e.Actual)
}

func (e *IsolationError) Unwrap() error { return ErrDataIsolationViolation }

// IdentityConflictError is returned when a conversation id is requested under a
// tenant that does not own it. Indicates an upstream bug.
type IdentityConflictError struct {
	ConversationID  string
	RequestedTenant string
	OwnerTenant     string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict: conversation %s requested by tenant %q, owned by %q", e.ConversationID, e.RequestedTenant, e.OwnerTenant)
}

func (e *IdentityConflictError) Unwrap() error { return ErrIdentityConflict }

// TransientDispatchError wraps an AI call or send failure that may succeed on retry.
type TransientDispatchError struct {
	Op  string
	Err error
}

func (e *TransientDispatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient dispatch error (%s)", e.Op)
	}
	return fmt.Sprintf("transient dispatch error (%s): %v", e.Op, e.Err)
}

func (e *TransientDispatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransientDispatch}
	}
	return []error{ErrTransientDispatch, e.Err}
}

// Transient wraps err as a TransientDispatchError. Nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientDispatchError{Op: op, Err: err}
}

// InsufficientDataError means a tenant's corpus is below the minimum sample size.
type InsufficientDataError struct {
	TenantID string
	Samples  int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for tenant %q: %d samples, %d required", e.TenantID, e.Samples, e.Required)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// PatternConflictError means applying a pattern would duplicate or contradict
// text already in the reply, or touch protected content.
type PatternConflictError struct {
	PatternID string
	Reason    string
}

func (e *PatternConflictError) Error() string {
	return fmt.Sprintf("pattern %s conflicts: %s", e.PatternID, e.Reason)
}

func (e *PatternConflictError) Unwrap() error { return ErrPatternConflict }

// IsUnrecoverable reports whether err must fail the request outright rather than
// fall back to a generic reply.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrDataIsolationViolation) || errors.Is(err, ErrIdentityConflict)
}
