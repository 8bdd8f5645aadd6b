// ABOUTME: OpenAI-compatible chat completion client used for AI dispatch
// ABOUTME: Classifies failures so timeouts and upstream overload are retried as transient

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/memory"
)

const defaultBaseURL = "https://api.openai.com/v1"

// DefaultSystemPrompt frames every completion request.
const DefaultSystemPrompt = "You are a helpful sales assistant replying to a customer on a chat channel. " +
	"Answer every question in the customer's latest messages in one reply. " +
	"Keep it short and never invent prices or stock levels."

// Request is one completion request for a flushed batch.
type Request struct {
	TenantID       string
	ConversationID string
	MessageBatch   []string        // customer messages in arrival order
	Memory         memory.Snapshot // context before this batch
	PatternHints   []string
}

// Response is the model's reply.
type Response struct {
	Text            string
	ModelConfidence float64
}

// HTTPStatusError captures a non-2xx response from the completion endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("llm: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	httpClient   *http.Client
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *Client) { c.systemPrompt = prompt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "llm")
		}
	}
}

// NewClient creates a completion client. timeout bounds each HTTP call.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, opts ...Option) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("llm: model must not be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:      strings.TrimSpace(baseURL),
		apiKey:       apiKey,
		model:        model,
		systemPrompt: DefaultSystemPrompt,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete asks the model for a reply to req. Timeouts, connection failures,
// 429 and 5xx responses are returned as *apperr.TransientDispatchError.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.MessageBatch) == 0 {
		return nil, errors.New("llm: empty message batch")
	}

	messages := []chatMessage{{Role: "system", Content: c.systemPrompt}}
	if len(req.PatternHints) > 0 {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: "Guidance from replies that worked well:\n- " + strings.Join(req.PatternHints, "\n- "),
		})
	}
	if req.Memory.Summary != "" {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: "Summary of the earlier conversation:\n" + req.Memory.Summary,
		})
	}
	for _, t := range req.Memory.Turns {
		messages = append(messages, chatMessage{Role: chatRole(t.Role), Content: t.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: strings.Join(req.MessageBatch, "\n")})

	resp, err := c.chat(ctx, chatRequest{
		Model:    c.model,
		Messages: messages,
		User:     req.TenantID,
	})
	if err != nil {
		return nil, err
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return nil, apperr.Transient("complete", errors.New("llm: empty completion"))
	}

	c.logger.Debug("completion received",
		"tenant_id", req.TenantID,
		"conversation_id", req.ConversationID,
		"finish_reason", choice.FinishReason)

	return &Response{Text: text, ModelConfidence: confidence(choice.FinishReason)}, nil
}

// Summarize folds turns into previous. It lets the model replace the
// extractive summarizer of the memory store.
func (c *Client) Summarize(ctx context.Context, previous string, turns []memory.Turn) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("New turns:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}

	resp, err := c.chat(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "Summarize this customer conversation in a few sentences. Keep names, products, prices and open questions."},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing: %w", err)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) chat(ctx context.Context, payload chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) || ctx.Err() == nil {
			return nil, apperr.Transient("complete", err)
		}
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return nil, apperr.Transient("complete", statusErr)
		}
		return nil, statusErr
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("llm: no choices in response")
	}
	return &out, nil
}

// isTimeout reports deadline and network timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func chatRole(r memory.Role) string {
	if r == memory.RoleAssistant {
		return "assistant"
	}
	return "user"
}

// confidence maps the finish reason to a coarse confidence.
func confidence(finishReason string) float64 {
	switch finishReason {
	case "stop":
		return 1.0
	case "length":
		return 0.5
	case "content_filter":
		return 0.0
	default:
		return 0.75
	}
}
