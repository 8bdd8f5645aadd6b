// ABOUTME: Shared fixtures for pattern package tests
// ABOUTME: Builds a temp SQLite store, tenant contexts and seeded patterns

package patterns

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/store"
)

func setupStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tenantCtx(tenantID string, roles ...string) context.Context {
	return auth.WithTenant(context.Background(), &auth.TenantContext{
		TenantID: tenantID,
		Subject:  "tester",
		Roles:    roles,
	})
}

func seedPattern(t *testing.T, s *store.SQLiteStore, tenantID string, kind Kind, marker string, rate float64, status store.PatternStatus) *store.Pattern {
	t.Helper()
	p := &store.Pattern{
		TenantID:        tenantID,
		Type:            string(kind),
		PrimaryMarker:   marker,
		Signature:       store.PatternSignature{SuccessfulMarkers: []string{marker}},
		SuccessRate:     rate,
		SampleSize:      50,
		ConfidenceLevel: 0.86,
		Status:          status,
		IsActive:        status == store.PatternApproved,
	}
	if kind == KindAvoidPhrase {
		p.Signature = store.PatternSignature{FailureMarkers: []string{marker}}
	}
	require.NoError(t, s.CreatePattern(context.Background(), p))
	return p
}

func seedConversation(t *testing.T, s *store.SQLiteStore, tenantID, sender string) *store.Conversation {
	t.Helper()
	now := time.Now().UTC()
	c := &store.Conversation{
		ID:               tenantID + "-" + sender,
		TenantID:         tenantID,
		ChannelID:        "line",
		ExternalSenderID: sender,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), c))
	return c
}

func byAction(action store.AuditAction) store.AuditFilter {
	return store.AuditFilter{Action: &action}
}
