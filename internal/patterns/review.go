// ABOUTME: Pattern review: listing candidates and approving, rejecting or retiring them
// ABOUTME: Every status change is guarded by role, tenant and allowed transitions, then audited

package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/store"
)

// ErrForbidden is returned when the caller may not review patterns.
var ErrForbidden = errors.New("caller may not review patterns")

// ReviewStore is the persistence the reviewer needs.
type ReviewStore interface {
	GetPattern(ctx context.Context, tenantID, id string) (*store.Pattern, error)
	ListPatterns(ctx context.Context, tenantID string, f store.PatternFilter) ([]*store.Pattern, error)
	TransitionPattern(ctx context.Context, tenantID, id string, from []store.PatternStatus, to store.PatternStatus, active bool) error
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Reviewer moves patterns through human review.
type Reviewer struct {
	store  ReviewStore
	guard  *auth.Guard
	logger *slog.Logger
}

// NewReviewer creates a reviewer.
func NewReviewer(s ReviewStore, guard *auth.Guard, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{store: s, guard: guard, logger: logger.With("component", "pattern_review")}
}

// List returns the tenant's patterns in the given statuses. No statuses means
// the review queue: draft and pending_approval.
func (r *Reviewer) List(ctx context.Context, tenantID string, statuses ...store.PatternStatus) ([]*store.Pattern, error) {
	if err := r.guard.Check(ctx, resourcePattern, tenantID); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		statuses = []store.PatternStatus{store.PatternDraft, store.PatternPendingApproval}
	}
	patterns, err := r.store.ListPatterns(ctx, tenantID, store.PatternFilter{Statuses: statuses})
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}
	for _, p := range patterns {
		if p.TenantID != tenantID {
			return nil, r.guard.Violation(ctx, resourcePattern, p.TenantID)
		}
	}
	return patterns, nil
}

// Approve makes a draft or pending pattern eligible for application.
func (r *Reviewer) Approve(ctx context.Context, tenantID, id string) (*store.Pattern, error) {
	return r.transition(ctx, tenantID, id,
		[]store.PatternStatus{store.PatternDraft, store.PatternPendingApproval},
		store.PatternApproved, true, store.AuditApprovePattern)
}

// Reject removes a draft or pending pattern from the review queue.
func (r *Reviewer) Reject(ctx context.Context, tenantID, id string) (*store.Pattern, error) {
	return r.transition(ctx, tenantID, id,
		[]store.PatternStatus{store.PatternDraft, store.PatternPendingApproval},
		store.PatternRejected, false, store.AuditRejectPattern)
}

// Retire withdraws an approved pattern from use.
func (r *Reviewer) Retire(ctx context.Context, tenantID, id string) (*store.Pattern, error) {
	return r.transition(ctx, tenantID, id,
		[]store.PatternStatus{store.PatternApproved},
		store.PatternRetired, false, store.AuditRetirePattern)
}

func (r *Reviewer) transition(ctx context.Context, tenantID, id string, from []store.PatternStatus, to store.PatternStatus, active bool, action store.AuditAction) (*store.Pattern, error) {
	tc := auth.FromContext(ctx)
	if tc == nil || !tc.CanReview() {
		return nil, ErrForbidden
	}
	if err := r.guard.Check(ctx, resourcePattern, tenantID); err != nil {
		return nil, err
	}

	before, err := r.store.GetPattern(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if err := r.store.TransitionPattern(ctx, tenantID, id, from, to, active); err != nil {
		return nil, err
	}

	entry := &store.AuditEntry{
		TenantID:   tenantID,
		Actor:      tc.Subject,
		Action:     action,
		TargetType: resourcePattern,
		TargetID:   id,
		Detail: map[string]any{
			"from":           string(before.Status),
			"to":             string(to),
			"primary_marker": before.PrimaryMarker,
		},
	}
	if err := r.store.AppendAuditLog(ctx, entry); err != nil {
		r.logger.Error("failed to audit pattern review", "pattern_id", id, "error", err)
	}

	r.logger.Info("pattern reviewed",
		"tenant_id", tenantID,
		"pattern_id", id,
		"from", before.Status,
		"to", to,
		"actor", tc.Subject)

	return r.store.GetPattern(ctx, tenantID, id)
}
