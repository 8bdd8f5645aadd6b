// ABOUTME: Outcome recording that credits applied patterns and tracks their trend
// ABOUTME: Patterns declining for several consecutive evaluations are retired automatically

package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/store"
)

const (
	trendWindow    = 10
	trendMinSample = 4
	trendThreshold = 0.1
)

// TrackerStore is the persistence the tracker needs.
type TrackerStore interface {
	SaveOutcome(ctx context.Context, o *store.Outcome) error
	ResolvePatternApplications(ctx context.Context, tenantID, conversationID string, succeeded bool, at time.Time) ([]string, error)
	RecentPatternResults(ctx context.Context, tenantID, patternID string, limit int) ([]bool, error)
	GetPatternPerformance(ctx context.Context, tenantID, patternID string) (*store.PatternPerformance, error)
	UpdatePatternTrend(ctx context.Context, tenantID, patternID string, trend store.Trend, decliningStreak int) error
	TransitionPattern(ctx context.Context, tenantID, id string, from []store.PatternStatus, to store.PatternStatus, active bool) error
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// ConversationLookup verifies that a conversation belongs to a tenant.
type ConversationLookup interface {
	Lookup(ctx context.Context, tenantID, conversationID string) (*store.Conversation, error)
}

// OutcomeResult summarizes what recording an outcome changed.
type OutcomeResult struct {
	Outcome  *store.Outcome
	Credited []string // patterns whose counts moved
	Retired  []string // patterns retired for a sustained decline
}

// Tracker records conversation outcomes and maintains pattern performance.
type Tracker struct {
	store       TrackerStore
	convs       ConversationLookup
	guard       *auth.Guard
	retireAfter int
	logger      *slog.Logger
}

// NewTracker creates a tracker that retires a pattern after retireAfter
// consecutive declining evaluations. retireAfter <= 0 disables retirement.
func NewTracker(s TrackerStore, convs ConversationLookup, guard *auth.Guard, retireAfter int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:       s,
		convs:       convs,
		guard:       guard,
		retireAfter: retireAfter,
		logger:      logger.With("component", "pattern_tracker"),
	}
}

// RecordOutcome stores the outcome and credits every pattern applied in the
// conversation since the last outcome.
func (t *Tracker) RecordOutcome(ctx context.Context, o *store.Outcome) (*OutcomeResult, error) {
	if err := t.guard.Check(ctx, "conversation_outcome", o.TenantID); err != nil {
		return nil, err
	}
	if !o.Kind.Valid() {
		return nil, fmt.Errorf("invalid outcome %q", o.Kind)
	}
	if t.convs != nil {
		if _, err := t.convs.Lookup(ctx, o.TenantID, o.ConversationID); err != nil {
			return nil, err
		}
	}

	if err := t.store.SaveOutcome(ctx, o); err != nil {
		return nil, fmt.Errorf("saving outcome: %w", err)
	}

	credited, err := t.store.ResolvePatternApplications(ctx, o.TenantID, o.ConversationID, o.Kind.Successful(), o.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("resolving pattern applications: %w", err)
	}

	result := &OutcomeResult{Outcome: o, Credited: credited}
	for _, id := range credited {
		retired, err := t.evaluate(ctx, o.TenantID, id)
		if err != nil {
			t.logger.Warn("failed to evaluate pattern trend",
				"tenant_id", o.TenantID,
				"pattern_id", id,
				"error", err)
			continue
		}
		if retired {
			result.Retired = append(result.Retired, id)
		}
	}

	t.logger.Info("outcome recorded",
		"tenant_id", o.TenantID,
		"conversation_id", o.ConversationID,
		"outcome", o.Kind,
		"credited", len(credited),
		"retired", len(result.Retired))
	return result, nil
}

// evaluate recomputes a pattern's trend and retires it when the decline has
// lasted retireAfter evaluations.
func (t *Tracker) evaluate(ctx context.Context, tenantID, patternID string) (bool, error) {
	results, err := t.store.RecentPatternResults(ctx, tenantID, patternID, trendWindow)
	if err != nil {
		return false, err
	}
	perf, err := t.store.GetPatternPerformance(ctx, tenantID, patternID)
	if err != nil {
		return false, err
	}

	trend := ComputeTrend(results)
	streak := 0
	if trend == store.TrendDeclining {
		streak = perf.DecliningStreak + 1
	}
	if err := t.store.UpdatePatternTrend(ctx, tenantID, patternID, trend, streak); err != nil {
		return false, err
	}

	if t.retireAfter <= 0 || streak < t.retireAfter {
		return false, nil
	}

	err = t.store.TransitionPattern(ctx, tenantID, patternID,
		[]store.PatternStatus{store.PatternApproved}, store.PatternRetired, false)
	if errors.Is(err, store.ErrInvalidTransition) {
		// not approved; nothing to retire
		return false, nil
	}
	if err != nil {
		return false, err
	}

	entry := &store.AuditEntry{
		TenantID:   tenantID,
		Actor:      auth.SystemSubject,
		Action:     store.AuditRetirePattern,
		TargetType: resourcePattern,
		TargetID:   patternID,
		Detail: map[string]any{
			"reason":           "sustained_decline",
			"declining_streak": streak,
		},
	}
	if err := t.store.AppendAuditLog(ctx, entry); err != nil {
		t.logger.Error("failed to audit pattern retirement", "pattern_id", patternID, "error", err)
	}

	t.logger.Warn("pattern retired after sustained decline",
		"tenant_id", tenantID,
		"pattern_id", patternID,
		"declining_streak", streak)
	return true, nil
}

// ComputeTrend compares the success rate of the newer half of results
// (newest first) with the older half.
func ComputeTrend(results []bool) store.Trend {
	if len(results) < trendMinSample {
		return store.TrendStable
	}
	half := len(results) / 2
	newer := successRatio(results[:half])
	older := successRatio(results[half:])

	switch diff := newer - older; {
	case diff > trendThreshold:
		return store.TrendImproving
	case diff < -trendThreshold:
		return store.TrendDeclining
	default:
		return store.TrendStable
	}
}

func successRatio(results []bool) float64 {
	if len(results) == 0 {
		return 0
	}
	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(results))
}
