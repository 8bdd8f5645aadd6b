// ABOUTME: Tenant-Scoped Memory Store with read, append, summarize and TTL sweep
// ABOUTME: Every access checks the caller's tenant and the tenant embedded in the record

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/batchline/internal/auth"
)

const resourceMemory = "memory_record"

// Options bound what a record keeps.
type Options struct {
	MaxTurns   int           // ring capacity; oldest turns are dropped beyond it
	TurnTTL    time.Duration // turns older than this are evicted
	SummaryTTL time.Duration // summary lifetime after it was last written
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 20
	}
	if o.TurnTTL <= 0 {
		o.TurnTTL = 24 * time.Hour
	}
	if o.SummaryTTL <= 0 {
		o.SummaryTTL = 30 * 24 * time.Hour
	}
	return o
}

// Snapshot is what a reader sees: live turns, oldest first, and the summary.
type Snapshot struct {
	TenantID       string
	ConversationID string
	Turns          []Turn
	Summary        string
}

// Store is the tenant-scoped memory store.
type Store struct {
	backend    Backend
	guard      *auth.Guard
	summarizer Summarizer
	opts       Options
	locks      keyLocks
	logger     *slog.Logger
	now        func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSummarizer replaces the default extractive summarizer.
func WithSummarizer(s Summarizer) StoreOption {
	return func(st *Store) { st.summarizer = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(st *Store) { st.now = now }
}

// NewStore creates a memory store over backend.
func NewStore(backend Backend, guard *auth.Guard, opts Options, logger *slog.Logger, storeOpts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:    backend,
		guard:      guard,
		summarizer: ExtractiveSummarizer{MaxRunes: 2000},
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "memory"),
		now:        time.Now,
	}
	for _, opt := range storeOpts {
		opt(s)
	}
	return s
}

// Options returns the effective options.
func (s *Store) Options() Options { return s.opts }

// Read returns the live memory of a conversation. A conversation without a
// record yields an empty snapshot.
func (s *Store) Read(ctx context.Context, tenantID, conversationID string) (*Snapshot, error) {
	key := Key{TenantID: tenantID, ConversationID: conversationID}
	if err := s.guard.Check(ctx, resourceMemory, tenantID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{TenantID: tenantID, ConversationID: conversationID}
	if rec == nil {
		return snap, nil
	}

	now := s.now()
	snap.Turns = liveTurns(rec.Turns, now.Add(-s.opts.TurnTTL))
	if rec.Summary != "" && now.Before(rec.SummaryExpiresAt) {
		snap.Summary = rec.Summary
	}
	return snap, nil
}

// Append adds turns to a conversation's memory, creating the record on first
// contact. The ring keeps at most MaxTurns entries.
func (s *Store) Append(ctx context.Context, tenantID, conversationID string, turns ...Turn) error {
	key := Key{TenantID: tenantID, ConversationID: conversationID}
	if err := s.guard.Check(ctx, resourceMemory, tenantID); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	unlock := s.locks.lock(key)
	defer unlock()

	rec, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	now := s.now()
	if rec == nil {
		rec = &Record{TenantID: tenantID, ConversationID: conversationID}
	}

	for _, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		rec.Turns = append(rec.Turns, t)
	}
	rec.Turns = liveTurns(rec.Turns, now.Add(-s.opts.TurnTTL))
	if over := len(rec.Turns) - s.opts.MaxTurns; over > 0 {
		rec.Turns = append([]Turn(nil), rec.Turns[over:]...)
	}
	rec.UpdatedAt = now

	return s.save(ctx, key, rec)
}

// NeedsSummary reports whether the record's ring is full.
func (s *Store) NeedsSummary(snap *Snapshot) bool {
	return snap != nil && len(snap.Turns) >= s.opts.MaxTurns
}

// Summarize folds the older half of the short-term turns into the long-term
// summary. Records with fewer than two turns are left alone.
func (s *Store) Summarize(ctx context.Context, tenantID, conversationID string) error {
	key := Key{TenantID: tenantID, ConversationID: conversationID}
	if err := s.guard.Check(ctx, resourceMemory, tenantID); err != nil {
		return err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	rec, err := s.load(ctx, key)
	if err != nil || rec == nil {
		return err
	}

	now := s.now()
	rec.Turns = liveTurns(rec.Turns, now.Add(-s.opts.TurnTTL))
	if len(rec.Turns) < 2 {
		return nil
	}

	previous := ""
	if now.Before(rec.SummaryExpiresAt) {
		previous = rec.Summary
	}

	fold := len(rec.Turns) / 2
	summary, err := s.summarizer.Summarize(ctx, previous, rec.Turns[:fold])
	if err != nil {
		return fmt.Errorf("summarizing memory: %w", err)
	}

	rec.Summary = summary
	rec.SummaryExpiresAt = now.Add(s.opts.SummaryTTL)
	rec.Turns = append([]Turn(nil), rec.Turns[fold:]...)
	rec.UpdatedAt = now

	s.logger.Debug("memory summarized",
		"tenant_id", tenantID,
		"conversation_id", conversationID,
		"folded_turns", fold)
	return s.save(ctx, key, rec)
}

// Sweep evicts expired turns and summaries and deletes empty records. It
// walks one tenant at a time and only touches keys listed under that tenant.
// Returns the number of records deleted.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	tenants, err := s.backend.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tenants: %w", err)
	}

	deleted := 0
	for _, tenantID := range tenants {
		n, err := s.sweepTenant(auth.SystemContext(ctx, tenantID), tenantID)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *Store) sweepTenant(ctx context.Context, tenantID string) (int, error) {
	keys, err := s.backend.Keys(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("listing keys for tenant %s: %w", tenantID, err)
	}

	deleted := 0
	for _, key := range keys {
		if key.TenantID != tenantID {
			_ = s.guard.Violation(ctx, resourceMemory, key.TenantID)
			continue
		}

		removed, err := s.sweepKey(ctx, key)
		if err != nil {
			s.logger.Warn("sweep failed for key",
				"tenant_id", key.TenantID,
				"conversation_id", key.ConversationID,
				"error", err)
			continue
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) sweepKey(ctx context.Context, key Key) (bool, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	rec, err := s.backend.Load(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		// expired in the backend; drop the index entry
		return true, s.backend.Delete(ctx, key)
	}
	if rec.TenantID != key.TenantID || rec.ConversationID != key.ConversationID {
		return false, s.guard.Violation(ctx, resourceMemory, rec.TenantID)
	}

	now := s.now()
	before := len(rec.Turns)
	rec.Turns = liveTurns(rec.Turns, now.Add(-s.opts.TurnTTL))
	summaryExpired := rec.Summary != "" && !now.Before(rec.SummaryExpiresAt)
	if summaryExpired {
		rec.Summary = ""
		rec.SummaryExpiresAt = time.Time{}
	}

	if len(rec.Turns) == 0 && rec.Summary == "" {
		return true, s.backend.Delete(ctx, key)
	}
	if len(rec.Turns) != before || summaryExpired {
		return false, s.save(ctx, key, rec)
	}
	return false, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("memory sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("memory sweep removed records", "count", n)
			}
		}
	}
}

// load reads a record and verifies the identity embedded in it.
func (s *Store) load(ctx context.Context, key Key) (*Record, error) {
	rec, err := s.backend.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading memory: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.TenantID != key.TenantID {
		return nil, s.guard.Violation(ctx, resourceMemory, rec.TenantID)
	}
	if rec.ConversationID != key.ConversationID {
		return nil, fmt.Errorf("memory record for %s stored under %s", rec.ConversationID, key.ConversationID)
	}
	return rec, nil
}

// save writes rec with a TTL covering its longest-lived content.
func (s *Store) save(ctx context.Context, key Key, rec *Record) error {
	ttl := s.opts.TurnTTL
	if rec.Summary != "" {
		if left := rec.SummaryExpiresAt.Sub(s.now()); left > ttl {
			ttl = left
		}
	}
	if err := s.backend.Save(ctx, key, rec, ttl); err != nil {
		return fmt.Errorf("saving memory: %w", err)
	}
	return nil
}

func liveTurns(turns []Turn, cutoff time.Time) []Turn {
	i := 0
	for i < len(turns) && turns[i].At.Before(cutoff) {
		i++
	}
	if i == 0 {
		return turns
	}
	return append([]Turn(nil), turns[i:]...)
}

// keyLocks serializes read-modify-write cycles per record.
type keyLocks struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[Key]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
