// ABOUTME: Batching Coordinator that debounces bursts of messages per conversation
// ABOUTME: Quiet/max timers carry generation numbers so stale firings are no-ops

package batching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/inbound"
)

const resourcePendingBatch = "pending_batch"

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("coordinator is shut down")

// Flush reasons
const (
	ReasonQuiet    = "quiet_window"
	ReasonMax      = "max_window"
	ReasonShutdown = "shutdown"
)

// State of a conversation in the coordinator.
type State string

const (
	StateIdle         State = "idle"
	StateAccumulating State = "accumulating"
	StateFlushing     State = "flushing"
)

// Key identifies a conversation in the timer registry. The tenant is always
// part of the key.
type Key struct {
	TenantID       string
	ConversationID string
}

// Batch is a set of messages flushed together for one AI reply.
type Batch struct {
	TenantID         string
	ConversationID   string
	ChannelID        string
	ExternalSenderID string
	Messages         []inbound.InboundMessage // arrival order
	Seq              uint64                   // batch number within the conversation
	Generation       uint64                   // generation at flush time
	FirstMessageAt   time.Time
	LastMessageAt    time.Time
	FlushedAt        time.Time
	Reason           string
}

func (b *Batch) clone() *Batch {
	c := *b
	c.Messages = append([]inbound.InboundMessage(nil), b.Messages...)
	return &c
}

// Handler receives flushed batches. Calls for one conversation never overlap
// and arrive in flush order.
type Handler interface {
	HandleBatch(ctx context.Context, b *Batch) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, b *Batch) error

// HandleBatch implements Handler.
func (f HandlerFunc) HandleBatch(ctx context.Context, b *Batch) error { return f(ctx, b) }

// Config holds the coordinator windows.
type Config struct {
	QuietWindow     time.Duration
	MaxWindow       time.Duration
	DispatchTimeout time.Duration // 0 disables the per-batch deadline
}

type convState struct {
	key Key
	mu  sync.Mutex

	pending  *Batch
	gen      uint64 // bumped on every arrival
	seq      uint64 // bumped on every new batch
	quiet    Timer
	max      Timer
	queue    []*Batch
	draining bool
	dead     bool // removed from the registry
}

func (st *convState) idle() bool {
	return st.pending == nil && len(st.queue) == 0 && !st.draining
}

// Coordinator owns the per-conversation accumulate/flush state machine.
type Coordinator struct {
	cfg     Config
	handler Handler
	guard   *auth.Guard
	clock   Clock
	logger  *slog.Logger

	mu       sync.Mutex
	registry map[Key]*convState
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// NewCoordinator creates a coordinator that hands flushed batches to handler.
func NewCoordinator(cfg Config, handler Handler, guard *auth.Guard, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWindow < cfg.QuietWindow {
		cfg.MaxWindow = cfg.QuietWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		handler:  handler,
		guard:    guard,
		clock:    realClock{},
		logger:   logger.With("component", "batching"),
		registry: make(map[Key]*convState),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquire returns the locked live state for key, creating it if needed.
func (c *Coordinator) acquire(key Key) (*convState, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		st, ok := c.registry[key]
		if !ok {
			st = &convState{key: key}
			c.registry[key] = st
		}
		c.mu.Unlock()

		st.mu.Lock()
		if !st.dead {
			return st, nil
		}
		st.mu.Unlock()
	}
}

// lookup returns the locked state for key, or nil.
func (c *Coordinator) lookup(key Key) *convState {
	c.mu.Lock()
	st, ok := c.registry[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	if st.dead {
		st.mu.Unlock()
		return nil
	}
	return st
}

// Submit adds msg to the conversation's pending batch, starting a batch if
// the conversation is idle or its previous batch is already flushing.
func (c *Coordinator) Submit(ctx context.Context, conversationID string, msg inbound.InboundMessage) error {
	if err := c.guard.Check(ctx, resourcePendingBatch, msg.TenantID); err != nil {
		return err
	}
	if conversationID == "" {
		return fmt.Errorf("submit: conversation id is required")
	}

	key := Key{TenantID: msg.TenantID, ConversationID: conversationID}
	st, err := c.acquire(key)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	now := c.clock.Now()
	st.gen++
	gen := st.gen

	if st.pending == nil {
		st.seq++
		seq := st.seq
		st.pending = &Batch{
			TenantID:         msg.TenantID,
			ConversationID:   conversationID,
			ChannelID:        msg.ChannelID,
			ExternalSenderID: msg.ExternalSenderID,
			Seq:              seq,
			FirstMessageAt:   now,
		}
		st.max = c.clock.AfterFunc(c.cfg.MaxWindow, func() { c.onMax(st, seq) })
		c.logger.Debug("batch started",
			"tenant_id", key.TenantID,
			"conversation_id", key.ConversationID,
			"seq", seq)
	}

	st.pending.Messages = append(st.pending.Messages, msg)
	st.pending.LastMessageAt = now
	st.pending.Generation = gen

	if st.quiet != nil {
		st.quiet.Stop()
	}
	st.quiet = c.clock.AfterFunc(c.cfg.QuietWindow, func() { c.onQuiet(st, gen) })
	return nil
}

func (c *Coordinator) onQuiet(st *convState, gen uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.dead || st.pending == nil || st.gen != gen {
		c.stale(st.key, "quiet", gen)
		return
	}
	c.flushLocked(st, ReasonQuiet)
}

func (c *Coordinator) onMax(st *convState, seq uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.dead || st.pending == nil || st.pending.Seq != seq {
		c.stale(st.key, "max", seq)
		return
	}
	c.flushLocked(st, ReasonMax)
}

func (c *Coordinator) stale(key Key, timer string, n uint64) {
	c.logger.Debug("stale timer ignored",
		"tenant_id", key.TenantID,
		"conversation_id", key.ConversationID,
		"timer", timer,
		"generation", n,
		"error", apperr.ErrStaleTimer)
}

// flushLocked moves the pending batch to the dispatch queue. st.mu is held.
func (c *Coordinator) flushLocked(st *convState, reason string) {
	b := st.pending
	st.pending = nil
	c.stopTimersLocked(st)

	b.FlushedAt = c.clock.Now()
	b.Reason = reason
	st.queue = append(st.queue, b)

	c.logger.Debug("batch flushed",
		"tenant_id", b.TenantID,
		"conversation_id", b.ConversationID,
		"seq", b.Seq,
		"messages", len(b.Messages),
		"reason", reason)

	if !st.draining {
		st.draining = true
		c.wg.Add(1)
		go c.drain(st)
	}
}

func (c *Coordinator) stopTimersLocked(st *convState) {
	if st.quiet != nil {
		st.quiet.Stop()
		st.quiet = nil
	}
	if st.max != nil {
		st.max.Stop()
		st.max = nil
	}
}

// drain dispatches queued batches one at a time in flush order.
func (c *Coordinator) drain(st *convState) {
	defer c.wg.Done()

	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.draining = false
			st.mu.Unlock()
			c.release(st)
			return
		}
		b := st.queue[0]
		st.queue = st.queue[1:]
		st.mu.Unlock()

		c.dispatch(b)
	}
}

func (c *Coordinator) dispatch(b *Batch) {
	ctx := auth.SystemContext(c.baseCtx, b.TenantID)
	if c.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DispatchTimeout)
		defer cancel()
	}

	if err := c.handler.HandleBatch(ctx, b); err != nil {
		c.logger.Error("batch dispatch failed",
			"tenant_id", b.TenantID,
			"conversation_id", b.ConversationID,
			"seq", b.Seq,
			"error", err)
	}
}

// release drops an idle state from the registry.
func (c *Coordinator) release(st *convState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.dead || !st.idle() {
		return
	}
	st.dead = true
	if cur, ok := c.registry[st.key]; ok && cur == st {
		delete(c.registry, st.key)
	}
}

// Cancel discards the conversation's pending batch and any flushed batches not
// yet dispatched. A dispatch already running is not interrupted.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, conversationID string) error {
	if err := c.guard.Check(ctx, resourcePendingBatch, tenantID); err != nil {
		return err
	}

	st := c.lookup(Key{TenantID: tenantID, ConversationID: conversationID})
	if st == nil {
		return nil
	}

	discarded := len(st.queue)
	if st.pending != nil {
		discarded++
	}
	st.pending = nil
	st.queue = nil
	c.stopTimersLocked(st)
	idle := st.idle()
	st.mu.Unlock()

	if discarded > 0 {
		c.logger.Info("batches cancelled",
			"tenant_id", tenantID,
			"conversation_id", conversationID,
			"discarded", discarded)
	}
	if idle {
		c.release(st)
	}
	return nil
}

// Pending returns a copy of the accumulating batch, or nil.
func (c *Coordinator) Pending(ctx context.Context, tenantID, conversationID string) (*Batch, error) {
	if err := c.guard.Check(ctx, resourcePendingBatch, tenantID); err != nil {
		return nil, err
	}
	st := c.lookup(Key{TenantID: tenantID, ConversationID: conversationID})
	if st == nil {
		return nil, nil
	}
	defer st.mu.Unlock()
	if st.pending == nil {
		return nil, nil
	}
	return st.pending.clone(), nil
}

// StateOf reports where the conversation is in its cycle. A conversation
// with a new batch accumulating while an older one dispatches is accumulating.
func (c *Coordinator) StateOf(ctx context.Context, tenantID, conversationID string) (State, error) {
	if err := c.guard.Check(ctx, resourcePendingBatch, tenantID); err != nil {
		return "", err
	}
	st := c.lookup(Key{TenantID: tenantID, ConversationID: conversationID})
	if st == nil {
		return StateIdle, nil
	}
	defer st.mu.Unlock()

	switch {
	case st.pending != nil:
		return StateAccumulating, nil
	case st.draining || len(st.queue) > 0:
		return StateFlushing, nil
	default:
		return StateIdle, nil
	}
}

// Len returns the number of conversations with live state.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registry)
}

// Closed reports whether Shutdown has been called.
func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown stops accepting messages, flushes every pending batch and waits
// for dispatches to finish or ctx to end. Remaining dispatches are cancelled
// when ctx ends first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	states := make([]*convState, 0, len(c.registry))
	for _, st := range c.registry {
		states = append(states, st)
	}
	c.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if !st.dead && st.pending != nil {
			c.flushLocked(st, ReasonShutdown)
		}
		st.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("waiting for dispatches: %w", ctx.Err())
	}
}
