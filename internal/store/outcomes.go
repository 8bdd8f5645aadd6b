// ABOUTME: Conversation outcome persistence and the learning corpus query
// ABOUTME: The corpus pairs each conversation's latest outcome with its outbound replies

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveOutcome records how a conversation ended. Generates ID and OccurredAt
// if not set.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, o *Outcome) error {
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid outcome kind %q", o.Kind)
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.OccurredAt.IsZero() {
		o.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO conversation_outcomes (id, tenant_id, conversation_id, kind, value, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.TenantID, o.ConversationID, string(o.Kind), o.Value, formatTime(o.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting outcome: %w", err)
	}

	s.logger.Debug("saved outcome", "tenant_id", o.TenantID, "conversation_id", o.ConversationID, "kind", o.Kind)
	return nil
}

// ListOutcomes returns outcomes of one tenant at or after since, newest first.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, tenantID string, since time.Time, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, conversation_id, kind, value, occurred_at
		FROM conversation_outcomes
		WHERE tenant_id = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`, tenantID, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outcomes []*Outcome
	for rows.Next() {
		var o Outcome
		var kind, occurredAt string
		if err := rows.Scan(&o.ID, &o.TenantID, &o.ConversationID, &kind, &o.Value, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		o.Kind = OutcomeKind(kind)
		if o.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at: %w", err)
		}
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcomes: %w", err)
	}
	return outcomes, nil
}

// LoadCorpus returns, for every conversation of tenantID with an outcome at or
// after since, its latest outcome and the outbound replies sent in it.
// Both reads run in one transaction so the corpus is a consistent snapshot.
func (s *SQLiteStore) LoadCorpus(ctx context.Context, tenantID string, since time.Time) ([]CorpusEntry, error) {
	tx, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sinceStr := formatTime(since)

	rows, err := tx.QueryContext(ctx, `
		SELECT conversation_id, kind
		FROM conversation_outcomes o
		WHERE tenant_id = ? AND occurred_at >= ?
		ORDER BY conversation_id, occurred_at DESC, rowid DESC
	`, tenantID, sinceStr)
	if err != nil {
		return nil, fmt.Errorf("querying corpus outcomes: %w", err)
	}

	var entries []CorpusEntry
	index := make(map[string]int)
	for rows.Next() {
		var convID, kind string
		if err := rows.Scan(&convID, &kind); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning corpus outcome: %w", err)
		}
		if _, seen := index[convID]; seen {
			continue // older outcome of the same conversation
		}
		index[convID] = len(entries)
		entries = append(entries, CorpusEntry{ConversationID: convID, Outcome: OutcomeKind(kind)})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating corpus outcomes: %w", err)
	}
	_ = rows.Close()

	if len(entries) == 0 {
		return nil, nil
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT conversation_id, text
		FROM messages
		WHERE tenant_id = ? AND direction = 'outbound'
		  AND conversation_id IN (
			SELECT conversation_id FROM conversation_outcomes
			WHERE tenant_id = ? AND occurred_at >= ?
		  )
		ORDER BY conversation_id, created_at, rowid
	`, tenantID, tenantID, sinceStr)
	if err != nil {
		return nil, fmt.Errorf("querying corpus replies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var convID, text string
		if err := rows.Scan(&convID, &text); err != nil {
			return nil, fmt.Errorf("scanning corpus reply: %w", err)
		}
		if i, ok := index[convID]; ok {
			entries[i].Replies = append(entries[i].Replies, text)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating corpus replies: %w", err)
	}

	return entries, nil
}

// ListOutcomeTenants returns the distinct tenants that recorded an outcome at
// or after since.
func (s *SQLiteStore) ListOutcomeTenants(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM conversation_outcomes
		WHERE occurred_at >= ?
		ORDER BY tenant_id
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying outcome tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}
	return tenants, nil
}
