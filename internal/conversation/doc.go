// Package conversation resolves customer identities to stable conversation ids.
//
// # Identity
//
// A conversation is identified by the triple (tenant, channel, external sender).
// The same external sender id under two tenants is two unrelated
// conversations; nothing here is ever keyed by the sender id alone.
//
// # Creation
//
// Resolve looks the triple up and creates it on first contact. The store has a
// unique index on the triple, so when two requests race the loser gets
// store.ErrDuplicate and re-reads the winner's row:
//
//	conv, err := resolver.Resolve(ctx, tenantID, channelID, senderID)
//
// # Conflicts
//
// Lookup by conversation id checks ownership. Asking for a conversation under a
// tenant that does not own it returns *apperr.IdentityConflictError and writes
// an identity_conflict audit entry; it indicates an upstream bug.
//
// # Close
//
// Close soft-closes a conversation and, when a BatchCanceler is configured,
// discards the batch that was still accumulating for it. The next inbound
// message reopens the conversation under the same id.
package conversation
