// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema bootstrap, migrations, conversation identities and the message ledger

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC3339 with fixed-width nanoseconds so stored timestamps
// sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	reader *sql.DB // read-only pool for long scans
	logger *slog.Logger
}

// readerConns bounds the read-only pool.
const readerConns = 4

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; SQLite allows only one anyway
	// and this avoids SQLITE_BUSY on read-to-write transaction upgrades.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// WAL readers see a snapshot and never wait on the writer connection.
	reader, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening read-only database: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	s.reader = reader

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			channel_id         TEXT NOT NULL,
			external_sender_id TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			closed_at          TEXT,

			UNIQUE(tenant_id, channel_id, external_sender_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL,
			conversation_id     TEXT NOT NULL REFERENCES conversations(id),
			direction           TEXT NOT NULL,
			external_message_id TEXT,
			text                TEXT NOT NULL,
			created_at          TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(tenant_id, conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS conversation_outcomes (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			kind            TEXT NOT NULL,
			value           REAL NOT NULL DEFAULT 0,
			occurred_at     TEXT NOT NULL,

			CHECK (kind IN ('purchase', 'abandoned', 'resolved'))
		);

		CREATE INDEX IF NOT EXISTS idx_outcomes_tenant_time
			ON conversation_outcomes(tenant_id, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_outcomes_conversation
			ON conversation_outcomes(tenant_id, conversation_id);

		CREATE TABLE IF NOT EXISTS success_patterns (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			pattern_type     TEXT NOT NULL,
			primary_marker   TEXT NOT NULL,
			signature_json   TEXT NOT NULL,
			success_rate     REAL NOT NULL,
			sample_size      INTEGER NOT NULL,
			confidence_level REAL NOT NULL,
			status           TEXT NOT NULL,
			is_active        INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			UNIQUE(tenant_id, pattern_type, primary_marker),
			CHECK (status IN ('draft', 'pending_approval', 'approved', 'rejected', 'retired')),
			CHECK (success_rate >= 0 AND success_rate <= 1),
			CHECK (confidence_level >= 0 AND confidence_level <= 1)
		);

		CREATE INDEX IF NOT EXISTS idx_patterns_tenant_status
			ON success_patterns(tenant_id, status, success_rate DESC);

		CREATE TABLE IF NOT EXISTS pattern_performance (
			pattern_id    TEXT PRIMARY KEY REFERENCES success_patterns(id),
			tenant_id     TEXT NOT NULL,
			usage_count   INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			trend         TEXT NOT NULL DEFAULT 'stable',
			last_used_at  TEXT,
			updated_at    TEXT NOT NULL,

			CHECK (trend IN ('improving', 'stable', 'declining'))
		);

		CREATE TABLE IF NOT EXISTS pattern_applications (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			pattern_id      TEXT NOT NULL REFERENCES success_patterns(id),
			conversation_id TEXT NOT NULL,
			applied_at      TEXT NOT NULL,
			resolved_at     TEXT,
			succeeded       INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_applications_open
			ON pattern_applications(tenant_id, conversation_id, resolved_at);
		CREATE INDEX IF NOT EXISTS idx_applications_pattern
			ON pattern_applications(tenant_id, pattern_id, resolved_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'data_isolation_violation',
				'identity_conflict',
				'approve_pattern',
				'reject_pattern',
				'retire_pattern',
				'close_conversation'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "pattern_performance",
			column: "declining_streak",
			apply:  `ALTER TABLE pattern_performance ADD COLUMN declining_streak INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return errors.Join(s.reader.Close(), s.db.Close())
}

// CreateConversation inserts a new conversation identity.
// Returns ErrDuplicate if (tenant, channel, sender) is already mapped.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (id, tenant_id, channel_id, external_sender_id, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.TenantID,
		c.ChannelID,
		c.ExternalSenderID,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
		formatTimePtr(c.ClosedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "tenant_id", c.TenantID, "channel_id", c.ChannelID)
	return nil
}

const conversationColumns = `id, tenant_id, channel_id, external_sender_id, created_at, updated_at, closed_at`

// GetConversation retrieves a conversation by ID regardless of tenant.
// Callers compare TenantID themselves so a mismatch can be reported.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationByIdentity looks up the conversation for a
// (tenant, channel, external sender) triple.
func (s *SQLiteStore) GetConversationByIdentity(ctx context.Context, tenantID, channelID, externalSenderID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE tenant_id = ? AND channel_id = ? AND external_sender_id = ?`,
		tenantID, channelID, externalSenderID)
	return scanConversation(row)
}

// SetConversationClosed sets or clears closed_at. A nil closedAt reopens.
func (s *SQLiteStore) SetConversationClosed(ctx context.Context, tenantID, id string, closedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET closed_at = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		formatTimePtr(closedAt), formatTime(time.Now()), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	var closedAt sql.NullString

	err := row.Scan(&c.ID, &c.TenantID, &c.ChannelID, &c.ExternalSenderID, &createdAt, &updatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if c.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, fmt.Errorf("parsing closed_at: %w", err)
	}
	return &c, nil
}

// SaveMessage appends a message to the ledger.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, tenant_id, conversation_id, direction, external_message_id, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.ConversationID,
		string(msg.Direction),
		nullString(msg.ExternalMessageID),
		msg.Text,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "direction", msg.Direction)
	return nil
}

// ListConversationMessages returns the most recent messages of a conversation
// in chronological order. Only rows of tenantID are ever returned.
func (s *SQLiteStore) ListConversationMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, conversation_id, direction, external_message_id, text, created_at
		FROM (
			SELECT * FROM messages
			WHERE tenant_id = ? AND conversation_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var direction, createdAt string
		var externalID sql.NullString

		if err := rows.Scan(&msg.ID, &msg.TenantID, &msg.ConversationID, &direction, &externalID, &msg.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Direction = Direction(direction)
		msg.ExternalMessageID = externalID.String
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
