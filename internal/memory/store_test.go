// ABOUTME: Tests for the tenant-scoped memory store
// ABOUTME: Covers isolation, ring trimming, TTL expiry, summarization and sweeping

package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/store"
)

type auditRecorder struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
}

func (a *auditRecorder) AppendAuditLog(_ context.Context, e *store.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *Store
	backend *InMemoryBackend
	audit   *auditRecorder
	clock   *testClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewInMemoryBackend()
	backend.now = clock.now
	audit := &auditRecorder{}
	guard := auth.NewGuard(audit, nil)

	s := NewStore(backend, guard, opts, nil, WithClock(clock.now))
	return &fixture{store: s, backend: backend, audit: audit, clock: clock}
}

func tenantCtx(tenantID string) context.Context {
	return auth.WithTenant(context.Background(), &auth.TenantContext{TenantID: tenantID, Subject: "test"})
}

func customer(text string) Turn { return Turn{Role: RoleCustomer, Text: text} }

func TestStore_ReadEmpty(t *testing.T) {
	f := newFixture(t, Options{})

	snap, err := f.store.Read(tenantCtx("t1"), "t1", "c1")
	require.NoError(t, err)
	assert.Empty(t, snap.Turns)
	assert.Empty(t, snap.Summary)
}

func TestStore_AppendAndRead(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := tenantCtx("t1")

	require.NoError(t, f.store.Append(ctx, "t1", "c1", customer("hi"), Turn{Role: RoleAssistant, Text: "hello"}))

	snap, err := f.store.Read(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "hi", snap.Turns[0].Text)
	assert.Equal(t, RoleAssistant, snap.Turns[1].Role)
	assert.Equal(t, f.clock.now(), snap.Turns[0].At)
}

func TestStore_SameConversationIDDifferentTenants(t *testing.T) {
	f := newFixture(t, Options{})

	require.NoError(t, f.store.Append(tenantCtx("t1"), "t1", "shared", customer("from t1")))
	require.NoError(t, f.store.Append(tenantCtx("t2"), "t2", "shared", customer("from t2")))

	s1, err := f.store.Read(tenantCtx("t1"), "t1", "shared")
	require.NoError(t, err)
	s2, err := f.store.Read(tenantCtx("t2"), "t2", "shared")
	require.NoError(t, err)

	require.Len(t, s1.Turns, 1)
	require.Len(t, s2.Turns, 1)
	assert.Equal(t, "from t1", s1.Turns[0].Text)
	assert.Equal(t, "from t2", s2.Turns[0].Text)
}

func TestStore_CallerTenantMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.Append(tenantCtx("t2"), "t2", "c1", customer("secret")))

	_, err := f.store.Read(tenantCtx("t1"), "t2", "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDataIsolationViolation)

	err = f.store.Append(tenantCtx("t1"), "t2", "c1", customer("inject"))
	assert.ErrorIs(t, err, apperr.ErrDataIsolationViolation)

	assert.Equal(t, 2, f.audit.count())

	// Record untouched
	snap, err := f.store.Read(tenantCtx("t2"), "t2", "c1")
	require.NoError(t, err)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "secret", snap.Turns[0].Text)
}

func TestStore_ForeignRecordUnderKey(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Corrupt the backend: a t2 record filed under t1's key.
	foreign := &Record{TenantID: "t2", ConversationID: "c1", Turns: []Turn{{Role: RoleCustomer, Text: "t2 data", At: f.clock.now()}}}
	require.NoError(t, f.backend.Save(ctx, Key{TenantID: "t1", ConversationID: "c1"}, foreign, time.Hour))

	_, err := f.store.Read(tenantCtx("t1"), "t1", "c1")
	require.Error(t, err)

	var iso *apperr.IsolationError
	require.True(t, errors.As(err, &iso))
	assert.Equal(t, "t1", iso.Expected)
	assert.Equal(t, "t2", iso.Actual)

	err = f.store.Append(tenantCtx("t1"), "t1", "c1", customer("x"))
	assert.ErrorIs(t, err, apperr.ErrDataIsolationViolation)

	rec, err := f.backend.Load(ctx, Key{TenantID: "t1", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "t2", rec.TenantID)
	assert.Len(t, rec.Turns, 1)
}

func TestStore_RingTrimsOldest(t *testing.T) {
	f := newFixture(t, Options{MaxTurns: 3})
	ctx := tenantCtx("t1")

	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Append(ctx, "t1", "c1", customer(fmt.Sprintf("m%d", i))))
	}

	snap, err := f.store.Read(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, "m2", snap.Turns[0].Text)
	assert.Equal(t, "m4", snap.Turns[2].Text)
	assert.True(t, f.store.NeedsSummary(snap))
}

func TestStore_TurnTTL(t *testing.T) {
	f := newFixture(t, Options{TurnTTL: time.Hour, SummaryTTL: 48 * time.Hour})
	ctx := tenantCtx("t1")

	require.NoError(t, f.store.Append(ctx, "t1", "c1", customer("old")))
	f.clock.advance(40 * time.Minute)
	require.NoError(t, f.store.Append(ctx, "t1", "c1", customer("new")))
	f.clock.advance(30 * time.Minute)

	snap, err := f.store.Read(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "new", snap.Turns[0].Text)
}

func TestStore_Summarize(t *testing.T) {
	f := newFixture(t, Options{MaxTurns: 4, SummaryTTL: time.Hour, TurnTTL: 24 * time.Hour})
	ctx := tenantCtx("t1")

	require.NoError(t, f.store.Append(ctx, "t1", "c1",
		customer("one"),
		Turn{Role: RoleAssistant, Text: "two"},
		customer("three"),
		Turn{Role: RoleAssistant, Text: "four"},
	))

	require.NoError(t, f.store.Summarize(ctx, "t1", "c1"))

	snap, err := f.store.Read(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "three", snap.Turns[0].Text)
	assert.Equal(t, "customer: one\nassistant: two", snap.Summary)

	// Summary expires on its own clock.
	f.clock.advance(2 * time.Hour)
	snap, err = f.store.Read(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Empty(t, snap.Summary)
	assert.Len(t, snap.Turns, 2)
}

func TestStore_SummarizeExtendsPrevious(t *testing.T) {
	f := newFixture(t, Options{MaxTurns: 10})
	ctx := tenantCtx("t1")

	require.NoError(t, f.store.Append(ctx, "t1", "c1", customer("a"), customer("b")))
	require.NoError(t, f.store.Summarize(ctx, "t1", "c1"))
	require.NoError(t, f.store.Append(ctx, "t1", "c1", customer("c")))
	require.NoError(t, f.store.Summarize(ctx, "t1", "c1"))

	snap, err := f.store.Read(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "customer: a\ncustomer: b", snap.Summary)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "c", snap.Turns[0].Text)
}

func TestStore_SweepStaysWithinTenant(t *testing.T) {
	f := newFixture(t, Options{TurnTTL: time.Hour})

	require.NoError(t, f.store.Append(tenantCtx("t1"), "t1", "old", customer("x")))
	require.NoError(t, f.store.Append(tenantCtx("t2"), "t2", "old", customer("y")))
	f.clock.advance(2 * time.Hour)
	require.NoError(t, f.store.Append(tenantCtx("t2"), "t2", "fresh", customer("z")))

	removed, err := f.store.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := f.backend.Keys(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, []Key{{TenantID: "t2", ConversationID: "fresh"}}, keys)

	tenants, err := f.backend.Tenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, tenants)
	assert.Zero(t, f.audit.count())
}

func TestStore_SweepReportsForeignRecord(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	foreign := &Record{TenantID: "t2", ConversationID: "c1", Turns: []Turn{{Role: RoleCustomer, Text: "x", At: f.clock.now()}}}
	require.NoError(t, f.backend.Save(ctx, Key{TenantID: "t1", ConversationID: "c1"}, foreign, time.Hour))

	_, err := f.store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.audit.count())

	rec, err := f.backend.Load(ctx, Key{TenantID: "t1", ConversationID: "c1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	f := newFixture(t, Options{MaxTurns: 100})
	ctx := tenantCtx("t1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.store.Append(ctx, "t1", "c1", customer(fmt.Sprintf("m%d", i))))
		}(i)
	}
	wg.Wait()

	snap, err := f.store.Read(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Len(t, snap.Turns, 20)
}

func TestExtractiveSummarizer_Truncates(t *testing.T) {
	s := ExtractiveSummarizer{MaxRunes: 10}
	out, err := s.Summarize(context.Background(), "", []Turn{{Role: RoleCustomer, Text: "a long line of text"}})
	require.NoError(t, err)
	assert.Equal(t, "ne of text", out)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("batchline:test:%d", time.Now().UnixNano())

	b, err := NewRedisBackend(ctx, url, prefix)
	require.NoError(t, err)
	defer b.Close()

	key := Key{TenantID: "t1", ConversationID: "c1"}
	rec := &Record{TenantID: "t1", ConversationID: "c1", Turns: []Turn{{Role: RoleCustomer, Text: "hi", At: time.Now().UTC()}}}
	require.NoError(t, b.Save(ctx, key, rec, time.Minute))

	got, err := b.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "hi", got.Turns[0].Text)

	missing, err := b.Load(ctx, Key{TenantID: "t2", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	keys, err := b.Keys(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []Key{key}, keys)

	require.NoError(t, b.Delete(ctx, key))
	tenants, err := b.Tenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)
}
