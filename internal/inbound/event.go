// ABOUTME: Event Normalizer turning raw channel webhook payloads into InboundMessage
// ABOUTME: Validates identity fields, trims text and resolves flexible timestamps

package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/batchline/internal/auth"
)

// MaxTextLength caps inbound text in runes; longer text is truncated.
const MaxTextLength = 4096

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid inbound event")

// Attachment is a media item sent alongside a message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// RawEvent is the inbound channel event as delivered by the webhook transport.
type RawEvent struct {
	TenantID         string       `json:"tenantId,omitempty"`
	ChannelID        string       `json:"channelId"`
	ExternalSenderID string       `json:"externalSenderId"`
	MessageID        string       `json:"messageId"`
	Text             string       `json:"text"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Timestamp        Timestamp    `json:"timestamp"`
}

// InboundMessage is the canonical message every downstream component consumes.
type InboundMessage struct {
	TenantID         string
	ChannelID        string
	ExternalSenderID string
	MessageID        string
	Text             string
	Attachments      []Attachment
	ReceivedAt       time.Time
}

// Timestamp accepts RFC3339 strings, unix seconds or unix milliseconds, either
// as JSON numbers or numeric strings.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %q", raw)
	}
	// Values past year 2286 in seconds are treated as milliseconds.
	if n > 9_999_999_999 {
		t.Time = time.UnixMilli(n)
	} else {
		t.Time = time.Unix(n, 0)
	}
	return nil
}

// Normalizer validates raw events against the caller's tenant.
type Normalizer struct {
	guard *auth.Guard
	now   func() time.Time
}

// NewNormalizer creates a normalizer. guard reports events that name a tenant
// other than the authenticated one.
func NewNormalizer(guard *auth.Guard) *Normalizer {
	return &Normalizer{guard: guard, now: time.Now}
}

// Normalize converts a raw event into an InboundMessage for the tenant in ctx.
// The tenant always comes from ctx; a raw tenantId, when present, must match.
func (n *Normalizer) Normalize(ctx context.Context, raw RawEvent) (*InboundMessage, error) {
	tenantID := auth.TenantID(ctx)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: no tenant in context", ErrInvalidEvent)
	}
	if raw.TenantID != "" && raw.TenantID != tenantID {
		return nil, n.guard.Violation(ctx, "inbound_event", raw.TenantID)
	}

	channelID := strings.TrimSpace(raw.ChannelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: channelId is required", ErrInvalidEvent)
	}
	senderID := strings.TrimSpace(raw.ExternalSenderID)
	if senderID == "" {
		return nil, fmt.Errorf("%w: externalSenderId is required", ErrInvalidEvent)
	}

	text := truncateRunes(strings.TrimSpace(raw.Text), MaxTextLength)
	attachments := make([]Attachment, 0, len(raw.Attachments))
	for _, a := range raw.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		attachments = append(attachments, a)
	}
	if text == "" && len(attachments) == 0 {
		return nil, fmt.Errorf("%w: text or attachments required", ErrInvalidEvent)
	}

	messageID := strings.TrimSpace(raw.MessageID)
	if messageID == "" {
		messageID = uuid.New().String()
	}

	receivedAt := raw.Timestamp.Time
	if receivedAt.IsZero() {
		receivedAt = n.now()
	}

	return &InboundMessage{
		TenantID:         tenantID,
		ChannelID:        channelID,
		ExternalSenderID: senderID,
		MessageID:        messageID,
		Text:             text,
		Attachments:      attachments,
		ReceivedAt:       receivedAt.UTC(),
	}, nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
