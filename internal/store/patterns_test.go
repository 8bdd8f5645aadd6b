// ABOUTME: Tests for pattern persistence, status transitions and performance tracking
// ABOUTME: Also covers outcome storage and the learning corpus snapshot

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPattern(tenantID, marker string, rate float64, status PatternStatus) *Pattern {
	return &Pattern{
		TenantID:      tenantID,
		Type:          "closing_phrase",
		PrimaryMarker: marker,
		Signature: PatternSignature{
			SuccessfulMarkers: []string{marker},
			AuxiliaryStats:    map[string]float64{"lift": 0.2},
		},
		SuccessRate:     rate,
		SampleSize:      40,
		ConfidenceLevel: 0.84,
		Status:          status,
	}
}

func TestCreatePattern_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newTestPattern("tenant-a", "shall i reserve it", 0.7, PatternPendingApproval)
	require.NoError(t, s.CreatePattern(ctx, p))
	require.NotEmpty(t, p.ID)

	got, err := s.GetPattern(ctx, "tenant-a", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "shall i reserve it", got.PrimaryMarker)
	assert.Equal(t, []string{"shall i reserve it"}, got.Signature.SuccessfulMarkers)
	assert.InDelta(t, 0.2, got.Signature.AuxiliaryStats["lift"], 1e-9)
	assert.Equal(t, PatternPendingApproval, got.Status)
	assert.False(t, got.IsActive)

	perf, err := s.GetPatternPerformance(ctx, "tenant-a", p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), perf.UsageCount)
	assert.Equal(t, TrendStable, perf.Trend)
	assert.Nil(t, perf.LastUsedAt)

	// Other tenants never see it
	_, err = s.GetPattern(ctx, "tenant-b", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePattern_DuplicateMarker(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePattern(ctx, newTestPattern("tenant-a", "free shipping", 0.6, PatternDraft)))
	err := s.CreatePattern(ctx, newTestPattern("tenant-a", "free shipping", 0.6, PatternDraft))
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.CreatePattern(ctx, newTestPattern("tenant-b", "free shipping", 0.6, PatternDraft)))
}

func TestCreatePattern_RejectsOutOfRangeRate(t *testing.T) {
	s := setupTestStore(t)
	err := s.CreatePattern(context.Background(), newTestPattern("tenant-a", "x", 1.5, PatternDraft))
	assert.Error(t, err)
}

func TestListPatterns_FilterAndOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := newTestPattern("tenant-a", "low", 0.55, PatternApproved)
	low.IsActive = true
	high := newTestPattern("tenant-a", "high", 0.9, PatternApproved)
	high.IsActive = true
	draft := newTestPattern("tenant-a", "draft", 0.95, PatternDraft)
	foreign := newTestPattern("tenant-b", "foreign", 0.99, PatternApproved)
	foreign.IsActive = true
	for _, p := range []*Pattern{low, high, draft, foreign} {
		require.NoError(t, s.CreatePattern(ctx, p))
	}

	active, err := s.ListPatterns(ctx, "tenant-a", PatternFilter{
		Statuses:   []PatternStatus{PatternApproved},
		ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "high", active[0].PrimaryMarker)
	assert.Equal(t, "low", active[1].PrimaryMarker)

	all, err := s.ListPatterns(ctx, "tenant-a", PatternFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "draft", all[0].PrimaryMarker)
}

func TestTransitionPattern(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newTestPattern("tenant-a", "marker", 0.7, PatternPendingApproval)
	require.NoError(t, s.CreatePattern(ctx, p))

	reviewable := []PatternStatus{PatternDraft, PatternPendingApproval}
	require.NoError(t, s.TransitionPattern(ctx, "tenant-a", p.ID, reviewable, PatternApproved, true))

	got, err := s.GetPattern(ctx, "tenant-a", p.ID)
	require.NoError(t, err)
	assert.Equal(t, PatternApproved, got.Status)
	assert.True(t, got.IsActive)

	// Approved patterns cannot be approved again or rejected
	err = s.TransitionPattern(ctx, "tenant-a", p.ID, reviewable, PatternRejected, false)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Wrong tenant sees nothing
	err = s.TransitionPattern(ctx, "tenant-b", p.ID, []PatternStatus{PatternApproved}, PatternRetired, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePatternEvidence_OnlyUnreviewed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newTestPattern("tenant-a", "marker", 0.6, PatternDraft)
	require.NoError(t, s.CreatePattern(ctx, p))

	p.SuccessRate = 0.75
	p.SampleSize = 60
	p.Status = PatternPendingApproval
	require.NoError(t, s.UpdatePatternEvidence(ctx, p))

	got, err := s.GetPattern(ctx, "tenant-a", p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.SuccessRate, 1e-9)
	assert.Equal(t, 60, got.SampleSize)
	assert.Equal(t, PatternPendingApproval, got.Status)

	require.NoError(t, s.TransitionPattern(ctx, "tenant-a", p.ID,
		[]PatternStatus{PatternPendingApproval}, PatternRejected, false))

	p.SuccessRate = 0.9
	err = s.UpdatePatternEvidence(ctx, p)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = s.GetPattern(ctx, "tenant-a", p.ID)
	require.NoError(t, err)
	assert.Equal(t, PatternRejected, got.Status)
	assert.InDelta(t, 0.75, got.SuccessRate, 1e-9)
}

func TestPatternUsageAndResolution(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1", "tenant-a")
	createTestConversation(t, s, "conv-2", "tenant-a")

	p := newTestPattern("tenant-a", "marker", 0.7, PatternApproved)
	require.NoError(t, s.CreatePattern(ctx, p))

	now := time.Now().UTC()
	require.NoError(t, s.RecordPatternUsage(ctx, "tenant-a", p.ID, "conv-1", now))
	require.NoError(t, s.RecordPatternUsage(ctx, "tenant-a", p.ID, "conv-1", now.Add(time.Second)))
	require.NoError(t, s.RecordPatternUsage(ctx, "tenant-a", p.ID, "conv-2", now.Add(2*time.Second)))

	err := s.RecordPatternUsage(ctx, "tenant-b", p.ID, "conv-1", now)
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := s.ResolvePatternApplications(ctx, "tenant-a", "conv-1", true, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids)

	// Already resolved applications are not credited twice
	ids, err = s.ResolvePatternApplications(ctx, "tenant-a", "conv-1", false, now.Add(4*time.Second))
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.ResolvePatternApplications(ctx, "tenant-a", "conv-2", false, now.Add(5*time.Second))
	require.NoError(t, err)

	perf, err := s.GetPatternPerformance(ctx, "tenant-a", p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), perf.UsageCount)
	assert.Equal(t, int64(1), perf.SuccessCount)
	assert.Equal(t, int64(1), perf.FailureCount)
	require.NotNil(t, perf.LastUsedAt)

	results, err := s.RecentPatternResults(ctx, "tenant-a", p.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, true}, results)

	require.NoError(t, s.UpdatePatternTrend(ctx, "tenant-a", p.ID, TrendDeclining, 2))
	perf, err = s.GetPatternPerformance(ctx, "tenant-a", p.ID)
	require.NoError(t, err)
	assert.Equal(t, TrendDeclining, perf.Trend)
	assert.Equal(t, 2, perf.DecliningStreak)
}

func TestLoadCorpus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1", "tenant-a")
	createTestConversation(t, s, "conv-2", "tenant-a")
	createTestConversation(t, s, "conv-3", "tenant-b")

	base := time.Now().UTC().Add(-time.Hour)
	save := func(id, tenant, conv string, dir Direction, text string, offset time.Duration) {
		require.NoError(t, s.SaveMessage(ctx, &Message{
			ID: id, TenantID: tenant, ConversationID: conv,
			Direction: dir, Text: text, CreatedAt: base.Add(offset),
		}))
	}
	save("m1", "tenant-a", "conv-1", DirectionInbound, "do you have it in red", 0)
	save("m2", "tenant-a", "conv-1", DirectionOutbound, "yes we do", time.Second)
	save("m3", "tenant-a", "conv-1", DirectionOutbound, "shall i reserve it", 2*time.Second)
	save("m4", "tenant-a", "conv-2", DirectionOutbound, "let me check", time.Second)
	save("m5", "tenant-b", "conv-3", DirectionOutbound, "foreign reply", time.Second)

	require.NoError(t, s.SaveOutcome(ctx, &Outcome{TenantID: "tenant-a", ConversationID: "conv-1", Kind: OutcomeAbandoned, OccurredAt: base.Add(time.Minute)}))
	require.NoError(t, s.SaveOutcome(ctx, &Outcome{TenantID: "tenant-a", ConversationID: "conv-1", Kind: OutcomePurchase, OccurredAt: base.Add(2 * time.Minute)}))
	require.NoError(t, s.SaveOutcome(ctx, &Outcome{TenantID: "tenant-a", ConversationID: "conv-2", Kind: OutcomeAbandoned, OccurredAt: base.Add(time.Minute)}))
	require.NoError(t, s.SaveOutcome(ctx, &Outcome{TenantID: "tenant-b", ConversationID: "conv-3", Kind: OutcomePurchase, OccurredAt: base.Add(time.Minute)}))

	corpus, err := s.LoadCorpus(ctx, "tenant-a", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, corpus, 2)

	assert.Equal(t, "conv-1", corpus[0].ConversationID)
	assert.Equal(t, OutcomePurchase, corpus[0].Outcome, "latest outcome wins")
	assert.Equal(t, []string{"yes we do", "shall i reserve it"}, corpus[0].Replies)

	assert.Equal(t, "conv-2", corpus[1].ConversationID)
	assert.Equal(t, []string{"let me check"}, corpus[1].Replies)

	tenants, err := s.ListOutcomeTenants(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)

	recent, err := s.LoadCorpus(ctx, "tenant-a", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestLoadCorpus_ReadsBesideWriter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1", "tenant-a")
	require.NoError(t, s.SaveOutcome(ctx, &Outcome{TenantID: "tenant-a", ConversationID: "conv-1", Kind: OutcomePurchase}))

	// A long read on the reader pool leaves the writer free.
	snapshot, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	defer func() { _ = snapshot.Rollback() }()
	var before int
	require.NoError(t, snapshot.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_outcomes`).Scan(&before))

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.SaveMessage(writeCtx, &Message{
		ID: "m1", TenantID: "tenant-a", ConversationID: "conv-1",
		Direction: DirectionOutbound, Text: "shall i reserve it", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveOutcome(writeCtx, &Outcome{TenantID: "tenant-a", ConversationID: "conv-1", Kind: OutcomeResolved}))

	var during int
	require.NoError(t, snapshot.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_outcomes`).Scan(&during))
	assert.Equal(t, before, during, "reader keeps its snapshot")

	// A write transaction holding the only writer connection does not block the corpus.
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	readCtx, cancelRead := context.WithTimeout(ctx, 2*time.Second)
	defer cancelRead()
	corpus, err := s.LoadCorpus(readCtx, "tenant-a", time.Time{})
	require.NoError(t, err)
	require.Len(t, corpus, 1)
	assert.Equal(t, OutcomeResolved, corpus[0].Outcome)
}

func TestReaderPool_RejectsWrites(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.reader.ExecContext(context.Background(),
		`INSERT INTO conversations (id, tenant_id, channel_id, external_sender_id, created_at, updated_at) VALUES ('c', 't', 'line', 'u', '', '')`)
	assert.Error(t, err)
}

func TestSaveOutcome_InvalidKind(t *testing.T) {
	s := setupTestStore(t)
	err := s.SaveOutcome(context.Background(), &Outcome{TenantID: "t", ConversationID: "c", Kind: "refund"})
	assert.Error(t, err)
}
