// ABOUTME: Pattern Application Service adjusting draft replies with approved patterns
// ABOUTME: Applies up to K non-conflicting transforms and records usage per real change

package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/store"
)

const resourcePattern = "success_pattern"

// maxEligible bounds how many approved patterns are considered per reply.
const maxEligible = 50

// ApplyStore is the persistence the applier needs.
type ApplyStore interface {
	ListPatterns(ctx context.Context, tenantID string, f store.PatternFilter) ([]*store.Pattern, error)
	RecordPatternUsage(ctx context.Context, tenantID, patternID, conversationID string, at time.Time) error
}

// Draft is a reply produced by the completion service.
type Draft struct {
	ConversationID string
	Text           string
	Protected      []string // terms that must survive verbatim, such as product names
}

// Skip records a pattern that was not applied.
type Skip struct {
	PatternID string
	Reason    string
}

// Result is the adjusted reply.
type Result struct {
	Text      string
	Applied   []string // patterns that changed the text
	Satisfied []string // patterns the text already reflected
	Skipped   []Skip
}

// Changed reports whether any pattern modified the draft.
func (r *Result) Changed() bool { return len(r.Applied) > 0 }

// Applier applies a tenant's approved, active patterns to draft replies.
type Applier struct {
	store      ApplyStore
	guard      *auth.Guard
	maxApplied int
	logger     *slog.Logger
	now        func() time.Time
}

// NewApplier creates an applier that applies at most maxApplied patterns per
// reply.
func NewApplier(s ApplyStore, guard *auth.Guard, maxApplied int, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if maxApplied <= 0 {
		maxApplied = 2
	}
	return &Applier{
		store:      s,
		guard:      guard,
		maxApplied: maxApplied,
		logger:     logger.With("component", "patterns"),
		now:        time.Now,
	}
}

// Eligible loads and decodes the tenant's approved, active patterns, best
// first. Patterns that fail to decode are logged and left out.
func (a *Applier) Eligible(ctx context.Context, tenantID string) ([]*Decoded, error) {
	if err := a.guard.Check(ctx, resourcePattern, tenantID); err != nil {
		return nil, err
	}

	stored, err := a.store.ListPatterns(ctx, tenantID, store.PatternFilter{
		Statuses:   []store.PatternStatus{store.PatternApproved},
		ActiveOnly: true,
		Limit:      maxEligible,
	})
	if err != nil {
		return nil, fmt.Errorf("loading patterns: %w", err)
	}

	decoded := make([]*Decoded, 0, len(stored))
	for _, p := range stored {
		if p.TenantID != tenantID {
			return nil, a.guard.Violation(ctx, resourcePattern, p.TenantID)
		}
		if p.Status != store.PatternApproved || !p.IsActive {
			continue
		}
		d, err := Decode(p)
		if err != nil {
			a.logger.Warn("skipping undecodable pattern", "pattern_id", p.ID, "error", err)
			continue
		}
		decoded = append(decoded, d)
	}
	return decoded, nil
}

// Hints returns instructions for the completion request derived from the top
// eligible patterns.
func (a *Applier) Hints(ctx context.Context, tenantID string) ([]string, error) {
	eligible, err := a.Eligible(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	hints := make([]string, 0, a.maxApplied)
	for _, d := range eligible {
		if len(hints) == a.maxApplied {
			break
		}
		hints = append(hints, d.Transform.Hint())
	}
	return hints, nil
}

// Apply adjusts draft with up to maxApplied patterns. Patterns are picked
// best first; one that conflicts with a better pick is skipped and does not
// count toward the limit. Removals run before additions so that applying the
// result again yields the same text. A pattern the text already reflects
// counts toward the limit without changing anything. Usage is recorded only
// for patterns that changed the text.
func (a *Applier) Apply(ctx context.Context, tenantID string, draft Draft) (*Result, error) {
	eligible, err := a.Eligible(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := &Result{Text: draft.Text}
	if len(eligible) == 0 {
		return result, nil
	}

	removals, additions := a.pick(result, tenantID, eligible)

	for _, d := range removals {
		id := d.Pattern.ID
		if d.Transform.Satisfied(result.Text) {
			result.Satisfied = append(result.Satisfied, id)
			continue
		}
		// An addition fills a reply the removals emptied.
		text, err := d.Transform.(avoidPhrases).strip(result.Text, draft.Protected, len(additions) > 0)
		if err != nil {
			a.skip(result, tenantID, id, err)
			continue
		}
		a.accept(result, tenantID, d, text, draft.Protected)
	}

	for _, d := range additions {
		if d.Transform.Satisfied(result.Text) {
			result.Satisfied = append(result.Satisfied, d.Pattern.ID)
			continue
		}
		text, err := d.Transform.Apply(result.Text, draft.Protected)
		if err != nil {
			a.skip(result, tenantID, d.Pattern.ID, err)
			continue
		}
		a.accept(result, tenantID, d, text, draft.Protected)
	}

	now := a.now()
	for _, id := range result.Applied {
		if err := a.store.RecordPatternUsage(ctx, tenantID, id, draft.ConversationID, now); err != nil {
			a.logger.Warn("failed to record pattern usage",
				"tenant_id", tenantID,
				"pattern_id", id,
				"error", err)
		}
	}

	if result.Changed() {
		a.logger.Debug("patterns applied",
			"tenant_id", tenantID,
			"conversation_id", draft.ConversationID,
			"applied", result.Applied)
	}
	return result, nil
}

// pick chooses up to maxApplied patterns in rank order, split into removals
// and additions. Only one addition per kind is picked, and an addition whose
// phrase contains an avoided phrase is skipped.
func (a *Applier) pick(result *Result, tenantID string, eligible []*Decoded) (removals, additions []*Decoded) {
	avoided := collectAvoided(eligible)
	slots := make(map[Kind]string)
	for _, d := range eligible {
		if len(removals)+len(additions) >= a.maxApplied {
			break
		}
		kind := d.Transform.Kind()
		if kind == KindAvoidPhrase {
			removals = append(removals, d)
			continue
		}
		if err := a.checkConflict(d, slots, avoided); err != nil {
			a.skip(result, tenantID, d.Pattern.ID, err)
			continue
		}
		slots[kind] = d.Pattern.ID
		additions = append(additions, d)
	}
	return removals, additions
}

// accept keeps text as the new reply unless it drops protected content.
func (a *Applier) accept(result *Result, tenantID string, d *Decoded, text string, protected []string) {
	id := d.Pattern.ID
	if !preservesProtected(result.Text, text, protected) {
		a.skip(result, tenantID, id, &apperr.PatternConflictError{PatternID: id, Reason: "would alter protected content"})
		return
	}
	result.Text = text
	result.Applied = append(result.Applied, id)
}

func (a *Applier) checkConflict(d *Decoded, slots map[Kind]string, avoided []string) error {
	id := d.Pattern.ID
	if holder, taken := slots[d.Transform.Kind()]; taken {
		return &apperr.PatternConflictError{PatternID: id, Reason: "slot already used by " + holder}
	}
	for _, phrase := range d.Transform.Phrases() {
		for _, bad := range avoided {
			if containsFold(phrase, bad) {
				return &apperr.PatternConflictError{PatternID: id, Reason: fmt.Sprintf("phrase contains avoided %q", bad)}
			}
		}
	}
	return nil
}

func (a *Applier) skip(r *Result, tenantID, patternID string, err error) {
	reason := err.Error()
	var conflict *apperr.PatternConflictError
	if errors.As(err, &conflict) {
		reason = conflict.Reason
	}
	r.Skipped = append(r.Skipped, Skip{PatternID: patternID, Reason: reason})
	a.logger.Info("pattern skipped",
		"tenant_id", tenantID,
		"pattern_id", patternID,
		"reason", reason)
}

func collectAvoided(eligible []*Decoded) []string {
	var out []string
	for _, d := range eligible {
		out = append(out, d.Transform.Avoided()...)
	}
	return out
}

// preservesProtected checks that every protected term present before is
// still present after.
func preservesProtected(before, after string, protected []string) bool {
	for _, p := range protected {
		if p == "" {
			continue
		}
		if strings.Count(after, p) < strings.Count(before, p) {
			return false
		}
	}
	return true
}
