// ABOUTME: AI Dispatch Pipeline turning a flushed batch into exactly one customer reply
// ABOUTME: Reads memory, asks the model, applies success patterns, sends and records the reply

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/batching"
	"github.com/2389/batchline/internal/llm"
	"github.com/2389/batchline/internal/memory"
	"github.com/2389/batchline/internal/patterns"
	"github.com/2389/batchline/internal/store"
)

var tracer = otel.Tracer("github.com/2389/batchline/internal/dispatch")

const (
	resourceBatch = "pending_batch"

	// fallbackSendTimeout bounds the fallback send, which runs even when the
	// dispatch deadline has passed.
	fallbackSendTimeout = 10 * time.Second
)

// DefaultFallbackText is sent when no AI reply could be produced.
const DefaultFallbackText = "Thanks for your message! We'll get back to you shortly."

// Completer produces a reply draft.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// MemoryStore is the conversation memory the pipeline reads and extends.
type MemoryStore interface {
	Read(ctx context.Context, tenantID, conversationID string) (*memory.Snapshot, error)
	Append(ctx context.Context, tenantID, conversationID string, turns ...memory.Turn) error
	NeedsSummary(snap *memory.Snapshot) bool
	Summarize(ctx context.Context, tenantID, conversationID string) error
}

// PatternApplier supplies hints and post-processes drafts.
type PatternApplier interface {
	Hints(ctx context.Context, tenantID string) ([]string, error)
	Apply(ctx context.Context, tenantID string, draft patterns.Draft) (*patterns.Result, error)
}

// Ledger persists sent replies.
type Ledger interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// Config tunes retries and the fallback.
type Config struct {
	RetryBackoff   time.Duration // wait before the single retry
	AttemptTimeout time.Duration // bound on one completion attempt; 0 = none
	FallbackText   string
}

// Deps are the pipeline's collaborators. Applier and Ledger may be nil.
type Deps struct {
	Completer Completer
	Memory    MemoryStore
	Applier   PatternApplier
	Sender    Sender
	Ledger    Ledger
	Guard     *auth.Guard
}

// Pipeline implements batching.Handler.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

var _ batching.Handler = (*Pipeline)(nil)

// NewPipeline creates a dispatch pipeline.
func NewPipeline(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "dispatch"),
		now:    time.Now,
	}
}

// HandleBatch produces and sends exactly one reply for b. Transient failures
// are retried once; if that fails too the fallback text is sent instead.
// Only isolation violations and identity conflicts surface as errors, plus a
// failed fallback send.
func (p *Pipeline) HandleBatch(ctx context.Context, b *batching.Batch) error {
	if err := p.deps.Guard.Check(ctx, resourceBatch, b.TenantID); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "dispatch.batch",
		trace.WithAttributes(
			attribute.String("tenant_id", b.TenantID),
			attribute.String("conversation_id", b.ConversationID),
			attribute.Int("batch.messages", len(b.Messages)),
			attribute.Int64("batch.seq", int64(b.Seq)),
			attribute.String("batch.reason", b.Reason),
		))
	defer span.End()

	// Memory ages turns by server time; the sender's clock only reaches the ledger.
	heardAt := p.now().UTC()
	texts := make([]string, 0, len(b.Messages))
	turns := make([]memory.Turn, 0, len(b.Messages))
	for _, m := range b.Messages {
		texts = append(texts, m.Text)
		turns = append(turns, memory.Turn{Role: memory.RoleCustomer, Text: m.Text, At: heardAt})
	}

	// snapshot before the batch so the model sees it once
	snap, err := p.deps.Memory.Read(ctx, b.TenantID, b.ConversationID)
	if err != nil {
		if apperr.IsUnrecoverable(err) {
			return p.fail(span, err)
		}
		p.logger.Warn("memory read failed, continuing without context",
			"tenant_id", b.TenantID, "conversation_id", b.ConversationID, "error", err)
		snap = &memory.Snapshot{TenantID: b.TenantID, ConversationID: b.ConversationID}
	}
	if err := p.deps.Memory.Append(ctx, b.TenantID, b.ConversationID, turns...); err != nil {
		if apperr.IsUnrecoverable(err) {
			return p.fail(span, err)
		}
		p.logger.Warn("failed to remember customer turns",
			"tenant_id", b.TenantID, "conversation_id", b.ConversationID, "error", err)
	}

	var hints []string
	if p.deps.Applier != nil {
		hints, err = p.deps.Applier.Hints(ctx, b.TenantID)
		if err != nil {
			if apperr.IsUnrecoverable(err) {
				return p.fail(span, err)
			}
			p.logger.Warn("pattern hints unavailable", "tenant_id", b.TenantID, "error", err)
			hints = nil
		}
	}

	req := &llm.Request{
		TenantID:       b.TenantID,
		ConversationID: b.ConversationID,
		MessageBatch:   texts,
		Memory:         *snap,
		PatternHints:   hints,
	}

	text, err := p.reply(ctx, b, req)
	if err != nil {
		if apperr.IsUnrecoverable(err) {
			return p.fail(span, err)
		}
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("dispatch.fallback", true))
		p.logger.Warn("dispatch failed, sending fallback",
			"tenant_id", b.TenantID,
			"conversation_id", b.ConversationID,
			"seq", b.Seq,
			"error", err)
		return p.sendFallback(ctx, b)
	}

	p.remember(ctx, b, text)
	return nil
}

// reply generates, post-processes and sends the reply.
func (p *Pipeline) reply(ctx context.Context, b *batching.Batch, req *llm.Request) (string, error) {
	resp, err := retryOnce(ctx, p.cfg.RetryBackoff, func() (*llm.Response, error) {
		return p.complete(ctx, req)
	}, p.notify(b, "complete"))
	if err != nil {
		return "", err
	}

	text := p.applyPatterns(ctx, b, resp.Text)

	out := &Outbound{
		TenantID:         b.TenantID,
		ConversationID:   b.ConversationID,
		ChannelID:        b.ChannelID,
		ExternalSenderID: b.ExternalSenderID,
		Text:             text,
	}
	_, err = retryOnce(ctx, p.cfg.RetryBackoff, func() (struct{}, error) {
		return struct{}{}, p.deps.Sender.Send(ctx, out)
	}, p.notify(b, "send"))
	if err != nil {
		return "", err
	}

	p.logger.Info("reply sent",
		"tenant_id", b.TenantID,
		"conversation_id", b.ConversationID,
		"seq", b.Seq,
		"messages", len(b.Messages),
		"model_confidence", resp.ModelConfidence)
	return text, nil
}

func (p *Pipeline) complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, span := tracer.Start(ctx, "dispatch.complete")
	defer span.End()

	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}
	resp, err := p.deps.Completer.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Float64("model_confidence", resp.ModelConfidence))
	return resp, nil
}

// applyPatterns returns the draft adjusted by the tenant's approved patterns.
// Failures leave the draft as is.
func (p *Pipeline) applyPatterns(ctx context.Context, b *batching.Batch, draft string) string {
	if p.deps.Applier == nil {
		return draft
	}
	ctx, span := tracer.Start(ctx, "dispatch.apply_patterns")
	defer span.End()

	result, err := p.deps.Applier.Apply(ctx, b.TenantID, patterns.Draft{
		ConversationID: b.ConversationID,
		Text:           draft,
	})
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("pattern application failed, sending draft as is",
			"tenant_id", b.TenantID,
			"conversation_id", b.ConversationID,
			"error", err)
		return draft
	}
	span.SetAttributes(
		attribute.Int("patterns.applied", len(result.Applied)),
		attribute.Int("patterns.skipped", len(result.Skipped)),
	)
	return result.Text
}

// remember records the sent reply in the ledger and in memory.
func (p *Pipeline) remember(ctx context.Context, b *batching.Batch, text string) {
	now := p.now().UTC()

	if p.deps.Ledger != nil {
		err := p.deps.Ledger.SaveMessage(ctx, &store.Message{
			ID:             uuid.New().String(),
			TenantID:       b.TenantID,
			ConversationID: b.ConversationID,
			Direction:      store.DirectionOutbound,
			Text:           text,
			CreatedAt:      now,
		})
		if err != nil {
			p.logger.Error("failed to record reply",
				"tenant_id", b.TenantID, "conversation_id", b.ConversationID, "error", err)
		}
	}

	if err := p.deps.Memory.Append(ctx, b.TenantID, b.ConversationID,
		memory.Turn{Role: memory.RoleAssistant, Text: text, At: now}); err != nil {
		p.logger.Warn("failed to remember reply",
			"tenant_id", b.TenantID, "conversation_id", b.ConversationID, "error", err)
		return
	}

	snap, err := p.deps.Memory.Read(ctx, b.TenantID, b.ConversationID)
	if err != nil || !p.deps.Memory.NeedsSummary(snap) {
		return
	}
	if err := p.deps.Memory.Summarize(ctx, b.TenantID, b.ConversationID); err != nil {
		p.logger.Warn("memory summarization failed",
			"tenant_id", b.TenantID, "conversation_id", b.ConversationID, "error", err)
	}
}

// sendFallback delivers the fallback text. It is not written to the ledger so
// it never becomes learning evidence.
func (p *Pipeline) sendFallback(ctx context.Context, b *batching.Batch) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackSendTimeout)
	defer cancel()

	err := p.deps.Sender.Send(sendCtx, &Outbound{
		TenantID:         b.TenantID,
		ConversationID:   b.ConversationID,
		ChannelID:        b.ChannelID,
		ExternalSenderID: b.ExternalSenderID,
		Text:             p.cfg.FallbackText,
		Fallback:         true,
	})
	if err != nil {
		return fmt.Errorf("sending fallback reply: %w", err)
	}

	if err := p.deps.Memory.Append(sendCtx, b.TenantID, b.ConversationID,
		memory.Turn{Role: memory.RoleAssistant, Text: p.cfg.FallbackText}); err != nil {
		p.logger.Warn("failed to remember fallback reply",
			"tenant_id", b.TenantID, "conversation_id", b.ConversationID, "error", err)
	}
	return nil
}

func (p *Pipeline) notify(b *batching.Batch, op string) backoff.Notify {
	return func(err error, wait time.Duration) {
		p.logger.Info("transient dispatch failure, retrying",
			"tenant_id", b.TenantID,
			"conversation_id", b.ConversationID,
			"op", op,
			"wait", wait,
			"error", err)
	}
}

func (p *Pipeline) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// retryOnce runs op and, if it fails with a transient error, runs it one more
// time after wait. Other errors are returned immediately.
func retryOnce[T any](ctx context.Context, wait time.Duration, op func() (T, error), notify backoff.Notify) (T, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), 1), ctx)
	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, apperr.ErrTransientDispatch) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy, notify)
}
