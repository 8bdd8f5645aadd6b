// ABOUTME: Outbound reply senders: a logging sender and a JSON webhook sender
// ABOUTME: Webhook timeouts, 429 and 5xx responses are reported as transient

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/batchline/internal/apperr"
)

// Outbound is a reply addressed to one customer on one channel.
type Outbound struct {
	TenantID         string `json:"tenantId"`
	ConversationID   string `json:"conversationId"`
	ChannelID        string `json:"channelId"`
	ExternalSenderID string `json:"externalSenderId"`
	Text             string `json:"text"`
	Fallback         bool   `json:"fallback,omitempty"`
}

// Sender delivers replies to the channel.
type Sender interface {
	Send(ctx context.Context, msg *Outbound) error
}

// LogSender only logs replies. It is used when no webhook is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "log_sender")}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, msg *Outbound) error {
	s.logger.Info("outbound reply",
		"tenant_id", msg.TenantID,
		"channel_id", msg.ChannelID,
		"external_sender_id", msg.ExternalSenderID,
		"fallback", msg.Fallback,
		"text", msg.Text)
	return nil
}

// WebhookSender POSTs each reply as JSON to a channel adapter.
type WebhookSender struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, msg *Outbound) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", msg.TenantID)

	res, err := s.httpClient.Do(req)
	if err != nil {
		return apperr.Transient("send", err)
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return apperr.Transient("send", fmt.Errorf("webhook returned %d", res.StatusCode))
	default:
		return fmt.Errorf("webhook returned %d", res.StatusCode)
	}
}
