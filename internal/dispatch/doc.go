// Package dispatch turns a flushed batch into one customer reply.
//
// For each batch the pipeline reads the conversation memory, records the
// customer turns, asks the completer for a draft with the tenant's pattern
// hints, applies approved success patterns and sends the result. The sent
// reply is written to the message ledger and to memory, and memory is
// summarized once its ring is full.
//
// A transient completion or send failure is retried once after
// Config.RetryBackoff. When the retry fails too, or the failure is not
// transient, the customer receives Config.FallbackText. Tenant isolation
// violations and identity conflicts are returned without any reply.
package dispatch
