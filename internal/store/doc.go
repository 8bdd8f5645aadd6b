// Package store provides persistent storage for batchline using SQLite.
//
// # Architecture
//
// The store package is interface-driven. Consumers depend on the narrow
// interface they need:
//
//   - ConversationStore: conversation identities and the message ledger
//   - OutcomeStore: conversation outcomes and the learning corpus
//   - PatternStore: success patterns, performance counters, applications
//   - AuditStore: security and review audit entries
//
// SQLiteStore implements all of them in a single struct.
//
// # Tenant Scoping
//
// Every table carries a tenant_id column and every query that reads or writes
// tenant data filters on it. The one exception is GetConversation, which looks
// a conversation up by id alone so the caller can detect and report a request
// made from the wrong tenant.
//
// # Data Models
//
//   - Conversation: (tenant, channel, external sender) to conversation id
//   - Message: inbound customer messages and outbound assistant replies
//   - Outcome: purchase, abandoned or resolved
//   - Pattern: a mined success pattern with its review status
//   - PatternPerformance: usage, success/failure attribution and trend
//
// # Pattern Lifecycle
//
// Patterns are created as draft or pending_approval by the learning engine.
// Only TransitionPattern moves them to approved, rejected or retired, and only
// from the statuses the caller allows. Once reviewed, UpdatePatternEvidence
// refuses to modify them.
//
// # Timestamps
//
// Timestamps are stored as UTC text with fixed-width nanoseconds so that
// lexical order equals time order.
//
// # Concurrency
//
// The store holds a single database connection. Queries never run while
// another result set on the same connection is open.
package store
