// ABOUTME: Store data types and interfaces for batchline persistence
// ABOUTME: Every row carries a tenant_id and every lookup takes one explicitly

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert hits a uniqueness constraint
var ErrDuplicate = errors.New("already exists")

// ErrInvalidTransition is returned when a pattern status change is not allowed
// from the pattern's current status
var ErrInvalidTransition = errors.New("invalid status transition")

// Conversation is the immutable identity mapping
// (tenant, channel, external sender) -> conversation id.
type Conversation struct {
	ID               string
	TenantID         string
	ChannelID        string
	ExternalSenderID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time // soft close; nil while open
}

// Direction of a ledger message relative to the customer
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // customer -> assistant
	DirectionOutbound Direction = "outbound" // assistant -> customer
)

// Message is one ledger row: an inbound customer message or an outbound reply.
type Message struct {
	ID                string
	TenantID          string
	ConversationID    string
	Direction         Direction
	ExternalMessageID string // channel message id for inbound rows
	Text              string
	CreatedAt         time.Time
}

// OutcomeKind is the business result of a conversation
type OutcomeKind string

const (
	OutcomePurchase  OutcomeKind = "purchase"
	OutcomeAbandoned OutcomeKind = "abandoned"
	OutcomeResolved  OutcomeKind = "resolved"
)

// Successful reports whether the outcome counts as positive for pattern mining.
func (k OutcomeKind) Successful() bool {
	return k == OutcomePurchase || k == OutcomeResolved
}

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomePurchase, OutcomeAbandoned, OutcomeResolved:
		return true
	}
	return false
}

// Outcome records how a conversation ended.
type Outcome struct {
	ID             string
	TenantID       string
	ConversationID string
	Kind           OutcomeKind
	Value          float64
	OccurredAt     time.Time
}

// CorpusEntry is one conversation's outcome together with the assistant replies
// sent in it. The learning engine mines these.
type CorpusEntry struct {
	ConversationID string
	Outcome        OutcomeKind
	Replies        []string
}

// PatternStatus is the review lifecycle state of a success pattern
type PatternStatus string

const (
	PatternDraft           PatternStatus = "draft"
	PatternPendingApproval PatternStatus = "pending_approval"
	PatternApproved        PatternStatus = "approved"
	PatternRejected        PatternStatus = "rejected"
	PatternRetired         PatternStatus = "retired"
)

// Valid reports whether s is a known status.
func (s PatternStatus) Valid() bool {
	switch s {
	case PatternDraft, PatternPendingApproval, PatternApproved, PatternRejected, PatternRetired:
		return true
	}
	return false
}

// PatternSignature is the mined evidence behind a pattern.
type PatternSignature struct {
	SuccessfulMarkers []string           `json:"successful_markers"`
	FailureMarkers    []string           `json:"failure_markers"`
	AuxiliaryStats    map[string]float64 `json:"auxiliary_stats,omitempty"`
}

// Pattern is a persisted success pattern. Type is stored as text; the patterns
// package decodes it into a closed variant when loading.
type Pattern struct {
	ID              string
	TenantID        string
	Type            string
	PrimaryMarker   string
	Signature       PatternSignature
	SuccessRate     float64
	SampleSize      int
	ConfidenceLevel float64
	Status          PatternStatus
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trend of a pattern's recent success rate
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// PatternPerformance is the usage and outcome counters of one pattern.
type PatternPerformance struct {
	PatternID       string
	TenantID        string
	UsageCount      int64
	SuccessCount    int64
	FailureCount    int64
	Trend           Trend
	DecliningStreak int
	LastUsedAt      *time.Time
	UpdatedAt       time.Time
}

// PatternFilter narrows ListPatterns. Results are always ordered by success rate
// descending.
type PatternFilter struct {
	Statuses   []PatternStatus // empty = any status
	ActiveOnly bool
	Limit      int // default 100, max 1000
}

// ConversationStore persists conversation identities and the message ledger.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByIdentity(ctx context.Context, tenantID, channelID, externalSenderID string) (*Conversation, error)
	SetConversationClosed(ctx context.Context, tenantID, id string, closedAt *time.Time) error

	SaveMessage(ctx context.Context, msg *Message) error
	ListConversationMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*Message, error)
}

// OutcomeStore persists conversation outcomes and serves the learning corpus.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, o *Outcome) error
	ListOutcomes(ctx context.Context, tenantID string, since time.Time, limit int) ([]*Outcome, error)
	LoadCorpus(ctx context.Context, tenantID string, since time.Time) ([]CorpusEntry, error)
	ListOutcomeTenants(ctx context.Context, since time.Time) ([]string, error)
}

// PatternStore persists success patterns and their performance rows.
type PatternStore interface {
	CreatePattern(ctx context.Context, p *Pattern) error
	GetPattern(ctx context.Context, tenantID, id string) (*Pattern, error)
	GetPatternByMarker(ctx context.Context, tenantID, patternType, primaryMarker string) (*Pattern, error)
	ListPatterns(ctx context.Context, tenantID string, f PatternFilter) ([]*Pattern, error)
	UpdatePatternEvidence(ctx context.Context, p *Pattern) error
	TransitionPattern(ctx context.Context, tenantID, id string, from []PatternStatus, to PatternStatus, active bool) error

	RecordPatternUsage(ctx context.Context, tenantID, patternID, conversationID string, at time.Time) error
	ResolvePatternApplications(ctx context.Context, tenantID, conversationID string, succeeded bool, at time.Time) ([]string, error)
	RecentPatternResults(ctx context.Context, tenantID, patternID string, limit int) ([]bool, error)
	GetPatternPerformance(ctx context.Context, tenantID, patternID string) (*PatternPerformance, error)
	UpdatePatternTrend(ctx context.Context, tenantID, patternID string, trend Trend, decliningStreak int) error
}

// AuditStore appends and lists security / review audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is everything SQLiteStore provides.
type Store interface {
	ConversationStore
	OutcomeStore
	PatternStore
	AuditStore
	Close() error
}
