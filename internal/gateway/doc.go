// Package gateway wires the batchline server components together.
//
// # Overview
//
// The Gateway owns the SQLite store, the memory backend, the batching
// coordinator, the dispatch pipeline, the pattern components and the
// learning scheduler, and exposes them over one HTTP server.
//
// # HTTP API
//
// Every /api route requires a tenant JWT (see internal/auth):
//
//   - POST /api/events - Ingest one channel event (202, or 200 for duplicates)
//   - POST /api/outcomes - Record a conversation outcome
//   - POST /api/conversations/close - Close a conversation, dropping its pending batch
//   - GET /api/patterns?status= - List patterns, pending review by default
//   - POST /api/patterns/{id}/approve - Approve a draft or pending pattern
//   - POST /api/patterns/{id}/reject - Reject a draft or pending pattern
//   - POST /api/patterns/{id}/retire - Withdraw an approved pattern
//   - POST /api/learning/run - Mine the caller's tenant now (admin or reviewer)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # Message Flow
//
//	POST /api/events
//	  -> inbound.Normalizer -> dedupe.Cache -> inbound.TenantLimiter
//	  -> conversation.Resolver -> store (inbound ledger row)
//	  -> batching.Coordinator (quiet window / max window)
//	  -> dispatch.Pipeline -> llm.Client -> patterns.Applier -> dispatch.Sender
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server first, then flushes and dispatches every
// pending batch before closing the memory backend and the store.
package gateway
