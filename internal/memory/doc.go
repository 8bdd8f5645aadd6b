// Package memory is the tenant-scoped conversation memory.
//
// # Records
//
// A record is keyed by (tenant, conversation) and stores both ids inside
// itself. It holds a bounded ring of recent turns and an optional summary of
// older ones. Turns expire after TurnTTL; the summary after SummaryTTL.
//
// # Isolation
//
// Every operation checks two things before touching data:
//
//  1. the caller's tenant (from the request context) equals the requested tenant
//  2. the tenant embedded in the loaded record equals the requested tenant
//
// Either mismatch returns *apperr.IsolationError through auth.Guard, which
// also logs and audits it. Nothing is ever read from or written to a record
// whose embedded tenant differs from the key.
//
// # Backends
//
// InMemoryBackend keeps records in a nested tenant -> conversation map.
// RedisBackend stores each record as JSON with a Redis TTL and keeps one index
// set per tenant for the sweeper.
//
// # Sweep
//
// Sweep walks tenants one at a time, evicting expired turns and summaries and
// deleting empty records. RunSweeper runs it on an interval.
package memory
