// ABOUTME: Conversation Resolver mapping (tenant, channel, external sender) to a conversation id
// ABOUTME: Idempotent creation with duplicate-insert race recovery, tenant-checked lookup and soft close

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/store"
)

// Store defines what the resolver needs from storage
type Store interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByIdentity(ctx context.Context, tenantID, channelID, externalSenderID string) (*store.Conversation, error)
	SetConversationClosed(ctx context.Context, tenantID, id string, closedAt *time.Time) error
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// BatchCanceler discards a conversation's pending batch. The batching
// coordinator satisfies it.
type BatchCanceler interface {
	Cancel(ctx context.Context, tenantID, conversationID string) error
}

// Resolver resolves conversation identities for the caller's tenant.
type Resolver struct {
	store    Store
	guard    *auth.Guard
	canceler BatchCanceler
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBatchCanceler makes Close discard the conversation's pending batch.
func WithBatchCanceler(c BatchCanceler) Option {
	return func(r *Resolver) { r.canceler = c }
}

// NewResolver creates a resolver.
func NewResolver(s Store, guard *auth.Guard, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:  s,
		guard:  guard,
		logger: logger.With("component", "conversation"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the conversation for (tenantID, channelID, externalSenderID),
// creating it on first contact. Concurrent first contacts resolve to the same
// row. A closed conversation is reopened.
func (r *Resolver) Resolve(ctx context.Context, tenantID, channelID, externalSenderID string) (*store.Conversation, error) {
	if err := r.guard.Check(ctx, "conversation_identity", tenantID); err != nil {
		return nil, err
	}
	if channelID == "" || externalSenderID == "" {
		return nil, fmt.Errorf("resolving conversation: channel and sender are required")
	}

	conv, err := r.store.GetConversationByIdentity(ctx, tenantID, channelID, externalSenderID)
	if err == nil {
		return r.reopenIfClosed(ctx, conv)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	now := r.now().UTC()
	conv = &store.Conversation{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		ChannelID:        channelID,
		ExternalSenderID: externalSenderID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		// Another request created it between our lookup and insert
		existing, lookupErr := r.store.GetConversationByIdentity(ctx, tenantID, channelID, externalSenderID)
		if lookupErr != nil {
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, fmt.Errorf("looking up conversation after duplicate: %w", lookupErr)
		}
		r.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
		return r.reopenIfClosed(ctx, existing)
	}

	r.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"tenant_id", tenantID,
		"channel_id", channelID)
	return conv, nil
}

func (r *Resolver) reopenIfClosed(ctx context.Context, conv *store.Conversation) (*store.Conversation, error) {
	if conv.ClosedAt == nil {
		return conv, nil
	}
	if err := r.store.SetConversationClosed(ctx, conv.TenantID, conv.ID, nil); err != nil {
		return nil, fmt.Errorf("reopening conversation: %w", err)
	}
	conv.ClosedAt = nil
	r.logger.Info("conversation reopened", "conversation_id", conv.ID, "tenant_id", conv.TenantID)
	return conv, nil
}

// Lookup returns a conversation by id for tenantID. A conversation owned by
// another tenant yields *apperr.IdentityConflictError and an audit entry.
func (r *Resolver) Lookup(ctx context.Context, tenantID, conversationID string) (*store.Conversation, error) {
	if err := r.guard.Check(ctx, "conversation_identity", tenantID); err != nil {
		return nil, err
	}

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if conv.TenantID != tenantID {
		r.logger.Error("identity conflict",
			"audit", true,
			"conversation_id", conversationID,
			"tenant_id", tenantID,
			"owner_tenant", conv.TenantID)

		entry := &store.AuditEntry{
			TenantID:   tenantID,
			Actor:      actor(ctx),
			Action:     store.AuditIdentityConflict,
			TargetType: "conversation",
			TargetID:   conversationID,
			Detail:     map[string]any{"owner_tenant": conv.TenantID},
		}
		if auditErr := r.store.AppendAuditLog(context.WithoutCancel(ctx), entry); auditErr != nil {
			r.logger.Error("failed to audit identity conflict", "error", auditErr)
		}

		return nil, &apperr.IdentityConflictError{
			ConversationID:  conversationID,
			RequestedTenant: tenantID,
			OwnerTenant:     conv.TenantID,
		}
	}

	return conv, nil
}

// Close soft-closes a conversation and discards any batch still accumulating
// for it. Closing an already closed conversation is a no-op.
func (r *Resolver) Close(ctx context.Context, tenantID, conversationID string) error {
	conv, err := r.Lookup(ctx, tenantID, conversationID)
	if err != nil {
		return err
	}

	if r.canceler != nil {
		if err := r.canceler.Cancel(ctx, tenantID, conversationID); err != nil {
			return fmt.Errorf("cancelling pending batch: %w", err)
		}
	}

	if conv.ClosedAt != nil {
		return nil
	}

	closedAt := r.now().UTC()
	if err := r.store.SetConversationClosed(ctx, tenantID, conversationID, &closedAt); err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}

	if err := r.store.AppendAuditLog(ctx, &store.AuditEntry{
		TenantID:   tenantID,
		Actor:      actor(ctx),
		Action:     store.AuditCloseConversation,
		TargetType: "conversation",
		TargetID:   conversationID,
	}); err != nil {
		r.logger.Warn("failed to audit conversation close", "error", err)
	}

	r.logger.Info("conversation closed", "conversation_id", conversationID, "tenant_id", tenantID)
	return nil
}

func actor(ctx context.Context) string {
	if tc := auth.FromContext(ctx); tc != nil && tc.Subject != "" {
		return tc.Subject
	}
	return "unknown"
}
