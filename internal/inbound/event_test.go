// ABOUTME: Tests for event normalization and the per-tenant limiter
// ABOUTME: Covers validation, tenant mismatch, timestamp formats and token bucket limits

package inbound

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
)

func tenantCtx(tenant string) context.Context {
	return auth.WithTenant(context.Background(), &auth.TenantContext{TenantID: tenant, Subject: "bridge"})
}

func TestNormalize_Valid(t *testing.T) {
	n := NewNormalizer(auth.NewGuard(nil, nil))

	var raw RawEvent
	require.NoError(t, json.Unmarshal([]byte(`{
		"channelId": " whatsapp ",
		"externalSenderId": "u1",
		"messageId": "wamid.1",
		"text": "  do you have this in red?  ",
		"attachments": [{"type":"image","url":"https://cdn/x.jpg"},{"type":"image","url":""}],
		"timestamp": "2026-03-01T10:00:00Z"
	}`), &raw))

	msg, err := n.Normalize(tenantCtx("tenant-a"), raw)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", msg.TenantID)
	assert.Equal(t, "whatsapp", msg.ChannelID)
	assert.Equal(t, "do you have this in red?", msg.Text)
	assert.Len(t, msg.Attachments, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), msg.ReceivedAt)
}

func TestNormalize_Invalid(t *testing.T) {
	n := NewNormalizer(auth.NewGuard(nil, nil))

	tests := []struct {
		name string
		raw  RawEvent
	}{
		{name: "missing channel", raw: RawEvent{ExternalSenderID: "u1", Text: "hi"}},
		{name: "missing sender", raw: RawEvent{ChannelID: "sms", Text: "hi"}},
		{name: "empty body", raw: RawEvent{ChannelID: "sms", ExternalSenderID: "u1", Text: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tenantCtx("tenant-a"), tt.raw)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}

	_, err := n.Normalize(context.Background(), RawEvent{ChannelID: "sms", ExternalSenderID: "u1", Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNormalize_TenantMismatch(t *testing.T) {
	n := NewNormalizer(auth.NewGuard(nil, nil))

	_, err := n.Normalize(tenantCtx("tenant-a"), RawEvent{
		TenantID: "tenant-b", ChannelID: "sms", ExternalSenderID: "u1", Text: "hi",
	})
	assert.ErrorIs(t, err, apperr.ErrDataIsolationViolation)
}

func TestNormalize_GeneratesMessageIDAndTimestamp(t *testing.T) {
	n := NewNormalizer(auth.NewGuard(nil, nil))
	fixed := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	msg, err := n.Normalize(tenantCtx("tenant-a"), RawEvent{ChannelID: "sms", ExternalSenderID: "u1", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, fixed, msg.ReceivedAt)
}

func TestNormalize_TruncatesLongText(t *testing.T) {
	n := NewNormalizer(auth.NewGuard(nil, nil))
	long := strings.Repeat("é", MaxTextLength+10)

	msg, err := n.Normalize(tenantCtx("tenant-a"), RawEvent{ChannelID: "sms", ExternalSenderID: "u1", Text: long})
	require.NoError(t, err)
	assert.Equal(t, MaxTextLength, len([]rune(msg.Text)))
}

func TestTimestamp_Formats(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2026-03-01T10:00:00.5Z"`, time.Date(2026, 3, 1, 10, 0, 0, 500_000_000, time.UTC)},
		{`1772359200`, time.Unix(1772359200, 0)},
		{`"1772359200"`, time.Unix(1772359200, 0)},
		{`1772359200123`, time.UnixMilli(1772359200123)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.True(t, tt.want.Equal(ts.Time), "got %s", ts.Time)
		})
	}

	var empty Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	assert.True(t, empty.IsZero())

	var bad Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &bad))
}

func TestTenantLimiter(t *testing.T) {
	l := NewTenantLimiter(1, 2)
	now := time.Now()

	assert.True(t, l.AllowAt("tenant-a", now))
	assert.True(t, l.AllowAt("tenant-a", now))
	assert.False(t, l.AllowAt("tenant-a", now), "burst exhausted")
	assert.True(t, l.AllowAt("tenant-b", now), "tenants have separate buckets")

	assert.True(t, l.AllowAt("tenant-a", now.Add(1100*time.Millisecond)), "refilled")
}

func TestTenantLimiter_Disabled(t *testing.T) {
	l := NewTenantLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("tenant-a"))
	}
}
