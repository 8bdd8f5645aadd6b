// ABOUTME: Tests for audit log persistence and filtering
// ABOUTME: Covers tenant, action and time filters plus the default page size

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_AppendAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	entries := []*AuditEntry{
		{TenantID: "tenant-a", Actor: "system", Action: AuditDataIsolationViolation, TargetType: "memory", TargetID: "conv-9", Timestamp: base},
		{TenantID: "tenant-a", Actor: "reviewer@a", Action: AuditApprovePattern, TargetType: "pattern", TargetID: "p-1", Timestamp: base.Add(time.Minute)},
		{TenantID: "tenant-b", Actor: "reviewer@b", Action: AuditRejectPattern, TargetType: "pattern", TargetID: "p-2", Timestamp: base.Add(2 * time.Minute),
			Detail: map[string]any{"reason": "off brand"}},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendAuditLog(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	all, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, AuditRejectPattern, all[0].Action, "newest first")
	assert.Equal(t, "off brand", all[0].Detail["reason"])

	tenant := "tenant-a"
	scoped, err := s.ListAuditLog(ctx, AuditFilter{TenantID: &tenant})
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	action := AuditDataIsolationViolation
	violations, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "conv-9", violations[0].TargetID)

	since := base.Add(30 * time.Second)
	recent, err := s.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestAuditStore_RejectsUnknownAction(t *testing.T) {
	s := setupTestStore(t)
	err := s.AppendAuditLog(context.Background(), &AuditEntry{
		TenantID: "tenant-a", Actor: "x", Action: "delete_everything", TargetType: "t", TargetID: "1",
	})
	assert.Error(t, err)
}

func TestAuditStore_EmptyListIsNotNil(t *testing.T) {
	s := setupTestStore(t)
	entries, err := s.ListAuditLog(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
	assert.Equal(t, 7, normalizeAuditLimit(7))
}
