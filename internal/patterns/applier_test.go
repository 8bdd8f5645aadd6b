// ABOUTME: Tests for pattern decoding and the application service
// ABOUTME: Covers eligibility, K limit, conflicts, protected content and idempotence

package patterns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/store"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		pattern *store.Pattern
		kind    Kind
		wantErr bool
	}{
		{"closing", &store.Pattern{ID: "p", Type: "closing_phrase", PrimaryMarker: "thanks"}, KindClosingPhrase, false},
		{"opening", &store.Pattern{ID: "p", Type: "opening_phrase", PrimaryMarker: "hi there"}, KindOpeningPhrase, false},
		{"avoid", &store.Pattern{ID: "p", Type: "avoid_phrase", PrimaryMarker: "unfortunately"}, KindAvoidPhrase, false},
		{"unknown type", &store.Pattern{ID: "p", Type: "tone", PrimaryMarker: "x"}, "", true},
		{"empty marker", &store.Pattern{ID: "p", Type: "closing_phrase", PrimaryMarker: "  "}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decode(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Transform.Kind())
		})
	}
}

func TestAvoidPhrases_FactualSentenceConflicts(t *testing.T) {
	d, err := Decode(&store.Pattern{ID: "p1", Type: "avoid_phrase", PrimaryMarker: "unfortunately"})
	require.NoError(t, err)

	out, err := d.Transform.Apply("Unfortunately we are closed today. We open tomorrow!", nil)
	require.NoError(t, err)
	assert.Equal(t, "We open tomorrow!", out)

	_, err = d.Transform.Apply("Unfortunately it costs 450 baht. Anything else?", nil)
	assert.ErrorIs(t, err, apperr.ErrPatternConflict)

	_, err = d.Transform.Apply("Unfortunately the Blue Mug is gone. Sorry!", []string{"Blue Mug"})
	assert.ErrorIs(t, err, apperr.ErrPatternConflict)
}

func TestApplier_NoEligiblePatterns(t *testing.T) {
	s := setupStore(t)
	seedPattern(t, s, "t1", KindClosingPhrase, "shall i reserve it", 0.9, store.PatternPendingApproval)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)

	res, err := a.Apply(tenantCtx("t1"), "t1", Draft{ConversationID: "c1", Text: "We have it in stock."})
	require.NoError(t, err)
	assert.Equal(t, "We have it in stock.", res.Text)
	assert.False(t, res.Changed())
}

func TestApplier_AppliesApprovedPatterns(t *testing.T) {
	s := setupStore(t)
	closing := seedPattern(t, s, "t1", KindClosingPhrase, "shall i reserve it for you?", 0.9, store.PatternApproved)
	opening := seedPattern(t, s, "t1", KindOpeningPhrase, "great question!", 0.8, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)
	ctx := tenantCtx("t1")

	res, err := a.Apply(ctx, "t1", Draft{ConversationID: "c1", Text: "The red one is 450 baht"})
	require.NoError(t, err)
	assert.Equal(t, "Great question! The red one is 450 baht. Shall i reserve it for you?", res.Text)
	assert.Equal(t, []string{closing.ID, opening.ID}, res.Applied)

	perf, err := s.GetPatternPerformance(context.Background(), "t1", closing.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), perf.UsageCount)
}

func TestApplier_Idempotent(t *testing.T) {
	s := setupStore(t)
	seedPattern(t, s, "t1", KindClosingPhrase, "shall i reserve it for you?", 0.9, store.PatternApproved)
	seedPattern(t, s, "t1", KindAvoidPhrase, "unfortunately", 0.85, store.PatternApproved)
	seedPattern(t, s, "t1", KindOpeningPhrase, "hello!", 0.7, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 3, nil)
	ctx := tenantCtx("t1")

	draft := "Unfortunately we are out of blue. The red one is 450 baht."
	first, err := a.Apply(ctx, "t1", Draft{ConversationID: "c1", Text: draft})
	require.NoError(t, err)
	require.True(t, first.Changed())

	second, err := a.Apply(ctx, "t1", Draft{ConversationID: "c1", Text: first.Text})
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.False(t, second.Changed())
	assert.Len(t, second.Satisfied, 3)
}

func TestApplier_IdempotentWhenRemovalDropsAddedPhrase(t *testing.T) {
	s := setupStore(t)
	closing := seedPattern(t, s, "t1", KindClosingPhrase, "let me know", 0.9, store.PatternApproved)
	avoid := seedPattern(t, s, "t1", KindAvoidPhrase, "unfortunately", 0.8, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)
	ctx := tenantCtx("t1")

	draft := "We have the mug in stock. Unfortunately shipping is slow, let me know if that works."
	first, err := a.Apply(ctx, "t1", Draft{ConversationID: "c1", Text: draft})
	require.NoError(t, err)
	assert.Equal(t, "We have the mug in stock. Let me know.", first.Text)
	assert.ElementsMatch(t, []string{closing.ID, avoid.ID}, first.Applied)

	second, err := a.Apply(ctx, "t1", Draft{ConversationID: "c1", Text: first.Text})
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.False(t, second.Changed())

	perf, err := s.GetPatternPerformance(context.Background(), "t1", closing.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), perf.UsageCount)
}

func TestApplier_RemovalMayEmptyReplyWhenAdditionFollows(t *testing.T) {
	s := setupStore(t)
	seedPattern(t, s, "t1", KindAvoidPhrase, "unfortunately", 0.9, store.PatternApproved)
	seedPattern(t, s, "t1", KindClosingPhrase, "anything else i can help with?", 0.8, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)
	ctx := tenantCtx("t1")

	first, err := a.Apply(ctx, "t1", Draft{ConversationID: "c1", Text: "Unfortunately not."})
	require.NoError(t, err)
	assert.Equal(t, "Anything else i can help with?", first.Text)

	second, err := a.Apply(ctx, "t1", Draft{ConversationID: "c1", Text: first.Text})
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.False(t, second.Changed())
}

func TestApplier_RespectsLimit(t *testing.T) {
	s := setupStore(t)
	seedPattern(t, s, "t1", KindClosingPhrase, "shall i reserve it?", 0.9, store.PatternApproved)
	seedPattern(t, s, "t1", KindOpeningPhrase, "hello!", 0.8, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 1, nil)

	res, err := a.Apply(tenantCtx("t1"), "t1", Draft{ConversationID: "c1", Text: "In stock."})
	require.NoError(t, err)
	assert.Equal(t, "In stock. Shall i reserve it?", res.Text)
	assert.Len(t, res.Applied, 1)
}

func TestApplier_SlotConflictSkipped(t *testing.T) {
	s := setupStore(t)
	best := seedPattern(t, s, "t1", KindClosingPhrase, "shall i reserve it?", 0.9, store.PatternApproved)
	other := seedPattern(t, s, "t1", KindClosingPhrase, "anything else?", 0.8, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)

	res, err := a.Apply(tenantCtx("t1"), "t1", Draft{ConversationID: "c1", Text: "In stock."})
	require.NoError(t, err)
	assert.Equal(t, []string{best.ID}, res.Applied)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, other.ID, res.Skipped[0].PatternID)

	perf, err := s.GetPatternPerformance(context.Background(), "t1", other.ID)
	require.NoError(t, err)
	assert.Zero(t, perf.UsageCount)
}

func TestApplier_PhraseContainingAvoidedIsSkipped(t *testing.T) {
	s := setupStore(t)
	seedPattern(t, s, "t1", KindAvoidPhrase, "sorry", 0.95, store.PatternApproved)
	closing := seedPattern(t, s, "t1", KindClosingPhrase, "sorry for the wait", 0.9, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)

	res, err := a.Apply(tenantCtx("t1"), "t1", Draft{ConversationID: "c1", Text: "It ships today."})
	require.NoError(t, err)
	assert.Equal(t, "It ships today.", res.Text)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, closing.ID, res.Skipped[0].PatternID)
}

func TestApplier_TenantIsolation(t *testing.T) {
	s := setupStore(t)
	seedPattern(t, s, "t2", KindClosingPhrase, "t2 secret closing", 0.99, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)

	// t1 has no patterns; t2's must not leak.
	res, err := a.Apply(tenantCtx("t1"), "t1", Draft{ConversationID: "c1", Text: "Hello."})
	require.NoError(t, err)
	assert.Equal(t, "Hello.", res.Text)

	// t1 caller asking for t2 patterns
	_, err = a.Apply(tenantCtx("t1"), "t2", Draft{ConversationID: "c1", Text: "Hello."})
	assert.ErrorIs(t, err, apperr.ErrDataIsolationViolation)
}

func TestApplier_Hints(t *testing.T) {
	s := setupStore(t)
	seedPattern(t, s, "t1", KindClosingPhrase, "shall i reserve it?", 0.9, store.PatternApproved)
	seedPattern(t, s, "t1", KindAvoidPhrase, "unfortunately", 0.8, store.PatternApproved)
	seedPattern(t, s, "t1", KindOpeningPhrase, "hi!", 0.7, store.PatternApproved)
	a := NewApplier(s, auth.NewGuard(nil, nil), 2, nil)

	hints, err := a.Hints(tenantCtx("t1"), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		`Close the reply with: "shall i reserve it?"`,
		`Avoid saying: "unfortunately"`,
	}, hints)
}
