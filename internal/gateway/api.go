// ABOUTME: HTTP API handlers for ingest, outcomes, conversation close and pattern review
// ABOUTME: Maps domain errors onto status codes and writes JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/batching"
	"github.com/2389/batchline/internal/dedupe"
	"github.com/2389/batchline/internal/inbound"
	"github.com/2389/batchline/internal/patterns"
	"github.com/2389/batchline/internal/store"
)

const maxBodyBytes = 1 << 20

// EventResponse is returned by POST /api/events.
type EventResponse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status"` // accepted or duplicate
}

// OutcomeRequest is the body of POST /api/outcomes.
type OutcomeRequest struct {
	ConversationID string  `json:"conversation_id"`
	Kind           string  `json:"kind"`
	Value          float64 `json:"value"`
}

// OutcomeResponse is returned by POST /api/outcomes.
type OutcomeResponse struct {
	ID       string   `json:"id"`
	Credited []string `json:"credited"`
	Retired  []string `json:"retired"`
}

// CloseRequest is the body of POST /api/conversations/close.
type CloseRequest struct {
	ConversationID string `json:"conversation_id"`
}

// PatternResponse is the API view of a stored pattern.
type PatternResponse struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	PrimaryMarker   string                 `json:"primary_marker"`
	Signature       store.PatternSignature `json:"signature"`
	SuccessRate     float64                `json:"success_rate"`
	SampleSize      int                    `json:"sample_size"`
	ConfidenceLevel float64                `json:"confidence_level"`
	Status          string                 `json:"status"`
	IsActive        bool                   `json:"is_active"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// LearningResponse is returned by POST /api/learning/run.
type LearningResponse struct {
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	CorpusSize int    `json:"corpus_size"`
	Candidates int    `json:"candidates"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Unchanged  int    `json:"unchanged"`
}

// handleEvent ingests one channel event and hands it to the batching coordinator.
func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raw inbound.RawEvent
	if err := decodeBody(r, &raw); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.normalizer.Normalize(ctx, raw)
	if err != nil {
		g.sendDomainError(w, err)
		return
	}

	key := dedupe.Key{TenantID: msg.TenantID, ChannelID: msg.ChannelID, MessageID: msg.MessageID}
	if msg.MessageID != "" && g.dedupe.CheckAndMark(key) {
		g.logger.Debug("duplicate event dropped", "tenant_id", msg.TenantID, "message_id", msg.MessageID)
		g.sendJSON(w, http.StatusOK, EventResponse{Status: "duplicate"})
		return
	}

	if !g.limiter.Allow(msg.TenantID) {
		if msg.MessageID != "" {
			g.dedupe.Forget(key)
		}
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	conv, err := g.resolver.Resolve(ctx, msg.TenantID, msg.ChannelID, msg.ExternalSenderID)
	if err != nil {
		g.forget(msg, key)
		g.sendDomainError(w, err)
		return
	}

	if err := g.coordinator.Submit(ctx, conv.ID, *msg); err != nil {
		g.forget(msg, key)
		g.sendDomainError(w, err)
		return
	}

	// only accepted events reach the ledger, so a redelivery is recorded once
	if err := g.store.SaveMessage(ctx, &store.Message{
		ID:                uuid.New().String(),
		TenantID:          msg.TenantID,
		ConversationID:    conv.ID,
		Direction:         store.DirectionInbound,
		ExternalMessageID: msg.MessageID,
		Text:              msg.Text,
		CreatedAt:         msg.ReceivedAt,
	}); err != nil {
		g.logger.Warn("failed to record inbound message", "conversation_id", conv.ID, "error", err)
	}

	g.sendJSON(w, http.StatusAccepted, EventResponse{ConversationID: conv.ID, Status: "accepted"})
}

// forget releases the dedupe mark of an event that was not accepted, so a
// redelivery is processed.
func (g *Gateway) forget(msg *inbound.InboundMessage, key dedupe.Key) {
	if msg.MessageID != "" {
		g.dedupe.Forget(key)
	}
}

// handleOutcome records the business result of a conversation.
func (g *Gateway) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	kind := store.OutcomeKind(req.Kind)
	if !kind.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "kind must be purchase, abandoned or resolved")
		return
	}

	res, err := g.tracker.RecordOutcome(r.Context(), &store.Outcome{
		TenantID:       auth.TenantID(r.Context()),
		ConversationID: req.ConversationID,
		Kind:           kind,
		Value:          req.Value,
	})
	if err != nil {
		g.sendDomainError(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, OutcomeResponse{
		ID:       res.Outcome.ID,
		Credited: nonNil(res.Credited),
		Retired:  nonNil(res.Retired),
	})
}

// handleCloseConversation closes a conversation and drops its pending batch.
func (g *Gateway) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if err := g.resolver.Close(r.Context(), auth.TenantID(r.Context()), req.ConversationID); err != nil {
		g.sendDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// handleListPatterns lists the caller's patterns, by default those awaiting review.
func (g *Gateway) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	var statuses []store.PatternStatus
	for _, s := range r.URL.Query()["status"] {
		status := store.PatternStatus(s)
		if !status.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		statuses = append(statuses, status)
	}

	list, err := g.reviewer.List(r.Context(), auth.TenantID(r.Context()), statuses...)
	if err != nil {
		g.sendDomainError(w, err)
		return
	}

	out := make([]PatternResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPatternResponse(p))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"patterns": out})
}

func (g *Gateway) handleApprovePattern(w http.ResponseWriter, r *http.Request) {
	p, err := g.reviewer.Approve(r.Context(), auth.TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toPatternResponse(p))
}

func (g *Gateway) handleRejectPattern(w http.ResponseWriter, r *http.Request) {
	p, err := g.reviewer.Reject(r.Context(), auth.TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toPatternResponse(p))
}

func (g *Gateway) handleRetirePattern(w http.ResponseWriter, r *http.Request) {
	p, err := g.reviewer.Retire(r.Context(), auth.TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toPatternResponse(p))
}

// handleLearningRun mines the caller's tenant immediately.
func (g *Gateway) handleLearningRun(w http.ResponseWriter, r *http.Request) {
	report, err := g.engine.Run(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		var insufficient *apperr.InsufficientDataError
		if errors.As(err, &insufficient) {
			g.sendJSON(w, http.StatusOK, LearningResponse{
				Skipped:    true,
				Reason:     insufficient.Error(),
				CorpusSize: insufficient.Samples,
			})
			return
		}
		g.sendDomainError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, LearningResponse{
		CorpusSize: report.CorpusSize,
		Candidates: report.Candidates,
		Created:    report.Created,
		Updated:    report.Updated,
		Unchanged:  report.Unchanged,
	})
}

func toPatternResponse(p *store.Pattern) PatternResponse {
	return PatternResponse{
		ID:              p.ID,
		Type:            p.Type,
		PrimaryMarker:   p.PrimaryMarker,
		Signature:       p.Signature,
		SuccessRate:     p.SuccessRate,
		SampleSize:      p.SampleSize,
		ConfidenceLevel: p.ConfidenceLevel,
		Status:          string(p.Status),
		IsActive:        p.IsActive,
		UpdatedAt:       p.UpdatedAt,
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendDomainError maps a domain error to a status code. Isolation violations
// never echo details of the other tenant.
func (g *Gateway) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrDataIsolationViolation):
		g.sendJSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, apperr.ErrIdentityConflict):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidTransition):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, patterns.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, inbound.ErrInvalidEvent):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, batching.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
