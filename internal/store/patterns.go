// ABOUTME: Success pattern persistence with guarded status transitions
// ABOUTME: Tracks per-pattern usage, outcome attribution and trend in pattern_performance

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreatePattern inserts a pattern and its zeroed performance row.
// Returns ErrDuplicate if the tenant already has a pattern with the same
// type and primary marker.
func (s *SQLiteStore) CreatePattern(ctx context.Context, p *Pattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid pattern status %q", p.Status)
	}

	signature, err := json.Marshal(p.Signature)
	if err != nil {
		return fmt.Errorf("marshaling signature: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO success_patterns (
			id, tenant_id, pattern_type, primary_marker, signature_json,
			success_rate, sample_size, confidence_level, status, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.TenantID, p.Type, p.PrimaryMarker, string(signature),
		p.SuccessRate, p.SampleSize, p.ConfidenceLevel, string(p.Status), boolToInt(p.IsActive),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting pattern: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pattern_performance (pattern_id, tenant_id, updated_at)
		VALUES (?, ?, ?)
	`, p.ID, p.TenantID, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting pattern performance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pattern: %w", err)
	}

	s.logger.Debug("created pattern", "id", p.ID, "tenant_id", p.TenantID, "type", p.Type, "status", p.Status)
	return nil
}

const patternColumns = `
	id, tenant_id, pattern_type, primary_marker, signature_json,
	success_rate, sample_size, confidence_level, status, is_active,
	created_at, updated_at`

// GetPattern retrieves one pattern of tenantID. Patterns of other tenants are
// reported as ErrNotFound.
func (s *SQLiteStore) GetPattern(ctx context.Context, tenantID, id string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM success_patterns WHERE tenant_id = ? AND id = ?`,
		tenantID, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetPatternByMarker retrieves the tenant's pattern with the given type and
// primary marker.
func (s *SQLiteStore) GetPatternByMarker(ctx context.Context, tenantID, patternType, primaryMarker string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM success_patterns
		 WHERE tenant_id = ? AND pattern_type = ? AND primary_marker = ?`,
		tenantID, patternType, primaryMarker)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPatterns returns the tenant's patterns matching f, ordered by success
// rate descending.
func (s *SQLiteStore) ListPatterns(ctx context.Context, tenantID string, f PatternFilter) ([]*Pattern, error) {
	limit := normalizeAuditLimit(f.Limit)

	query := `SELECT ` + patternColumns + ` FROM success_patterns WHERE tenant_id = ?`
	args := []any{tenantID}

	if len(f.Statuses) > 0 {
		placeholders, statusArgs := statusList(f.Statuses)
		query += ` AND status IN (` + placeholders + `)`
		args = append(args, statusArgs...)
	}
	if f.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY success_rate DESC, confidence_level DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patterns: %w", err)
	}
	return patterns, nil
}

// UpdatePatternEvidence refreshes the mined fields of a pattern that has not
// been reviewed yet (signature, rates, sample size, status). Reviewed patterns
// are left untouched and ErrInvalidTransition is returned.
func (s *SQLiteStore) UpdatePatternEvidence(ctx context.Context, p *Pattern) error {
	if p.Status != PatternDraft && p.Status != PatternPendingApproval {
		return ErrInvalidTransition
	}

	signature, err := json.Marshal(p.Signature)
	if err != nil {
		return fmt.Errorf("marshaling signature: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE success_patterns
		SET signature_json = ?, success_rate = ?, sample_size = ?, confidence_level = ?,
		    status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status IN ('draft', 'pending_approval')
	`,
		string(signature), p.SuccessRate, p.SampleSize, p.ConfidenceLevel,
		string(p.Status), formatTime(p.UpdatedAt),
		p.TenantID, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating pattern: %w", err)
	}
	return s.checkTransition(ctx, result, p.TenantID, p.ID)
}

// TransitionPattern moves a pattern to status `to` if its current status is one
// of `from`. Returns ErrNotFound for unknown ids and ErrInvalidTransition when
// the current status is not allowed.
func (s *SQLiteStore) TransitionPattern(ctx context.Context, tenantID, id string, from []PatternStatus, to PatternStatus, active bool) error {
	if !to.Valid() {
		return fmt.Errorf("invalid pattern status %q", to)
	}
	if len(from) == 0 {
		return ErrInvalidTransition
	}

	placeholders, statusArgs := statusList(from)
	args := []any{string(to), boolToInt(active), formatTime(time.Now()), tenantID, id}
	args = append(args, statusArgs...)

	result, err := s.db.ExecContext(ctx, `
		UPDATE success_patterns SET status = ?, is_active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("updating pattern status: %w", err)
	}
	if err := s.checkTransition(ctx, result, tenantID, id); err != nil {
		return err
	}

	s.logger.Debug("pattern status changed", "id", id, "tenant_id", tenantID, "status", to)
	return nil
}

func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, tenantID, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetPattern(ctx, tenantID, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// RecordPatternUsage increments a pattern's usage count and opens an
// application row for later outcome attribution.
func (s *SQLiteStore) RecordPatternUsage(ctx context.Context, tenantID, patternID, conversationID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE pattern_performance
		SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE tenant_id = ? AND pattern_id = ?
	`, formatTime(at), formatTime(at), tenantID, patternID)
	if err != nil {
		return fmt.Errorf("incrementing usage: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pattern_applications (id, tenant_id, pattern_id, conversation_id, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), tenantID, patternID, conversationID, formatTime(at))
	if err != nil {
		return fmt.Errorf("inserting application: %w", err)
	}

	return tx.Commit()
}

// ResolvePatternApplications closes every open application in a conversation
// and credits each distinct pattern with one success or failure.
// Returns the ids of the credited patterns.
func (s *SQLiteStore) ResolvePatternApplications(ctx context.Context, tenantID, conversationID string, succeeded bool, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE pattern_applications
		SET resolved_at = ?, succeeded = ?
		WHERE tenant_id = ? AND conversation_id = ? AND resolved_at IS NULL
		RETURNING pattern_id
	`, formatTime(at), boolToInt(succeeded), tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("resolving applications: %w", err)
	}

	var patternIDs []string
	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning application: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			patternIDs = append(patternIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating applications: %w", err)
	}
	_ = rows.Close()

	column := "failure_count"
	if succeeded {
		column = "success_count"
	}
	for _, id := range patternIDs {
		_, err := tx.ExecContext(ctx, `
			UPDATE pattern_performance SET `+column+` = `+column+` + 1, updated_at = ?
			WHERE tenant_id = ? AND pattern_id = ?
		`, formatTime(at), tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("crediting pattern %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing resolution: %w", err)
	}
	return patternIDs, nil
}

// RecentPatternResults returns the results of the latest resolved applications
// of a pattern, newest first.
func (s *SQLiteStore) RecentPatternResults(ctx context.Context, tenantID, patternID string, limit int) ([]bool, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT succeeded FROM pattern_applications
		WHERE tenant_id = ? AND pattern_id = ? AND resolved_at IS NOT NULL
		ORDER BY resolved_at DESC, rowid DESC
		LIMIT ?
	`, tenantID, patternID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []bool
	for rows.Next() {
		var succeeded int
		if err := rows.Scan(&succeeded); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		results = append(results, succeeded == 1)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return results, nil
}

// GetPatternPerformance returns the performance row of a pattern.
func (s *SQLiteStore) GetPatternPerformance(ctx context.Context, tenantID, patternID string) (*PatternPerformance, error) {
	var perf PatternPerformance
	var trend, updatedAt string
	var lastUsed sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT pattern_id, tenant_id, usage_count, success_count, failure_count,
		       trend, declining_streak, last_used_at, updated_at
		FROM pattern_performance
		WHERE tenant_id = ? AND pattern_id = ?
	`, tenantID, patternID).Scan(
		&perf.PatternID, &perf.TenantID, &perf.UsageCount, &perf.SuccessCount, &perf.FailureCount,
		&trend, &perf.DecliningStreak, &lastUsed, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying performance: %w", err)
	}

	perf.Trend = Trend(trend)
	if perf.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}
	if perf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &perf, nil
}

// UpdatePatternTrend stores the computed trend and consecutive declining count.
func (s *SQLiteStore) UpdatePatternTrend(ctx context.Context, tenantID, patternID string, trend Trend, decliningStreak int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pattern_performance SET trend = ?, declining_streak = ?, updated_at = ?
		WHERE tenant_id = ? AND pattern_id = ?
	`, string(trend), decliningStreak, formatTime(time.Now()), tenantID, patternID)
	if err != nil {
		return fmt.Errorf("updating trend: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPattern(scanner interface{ Scan(dest ...any) error }) (*Pattern, error) {
	var p Pattern
	var signature, status, createdAt, updatedAt string
	var active int

	err := scanner.Scan(
		&p.ID, &p.TenantID, &p.Type, &p.PrimaryMarker, &signature,
		&p.SuccessRate, &p.SampleSize, &p.ConfidenceLevel, &status, &active,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pattern: %w", err)
	}

	if err := json.Unmarshal([]byte(signature), &p.Signature); err != nil {
		return nil, fmt.Errorf("unmarshaling signature: %w", err)
	}
	p.Status = PatternStatus(status)
	p.IsActive = active == 1
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

func statusList(statuses []PatternStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
