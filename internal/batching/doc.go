// Package batching implements the per-conversation accumulate/flush state
// machine.
//
// Each conversation moves IDLE -> ACCUMULATING -> FLUSHING -> IDLE. The first
// message starts a quiet timer and a max timer; each later message restarts
// the quiet timer and bumps the conversation's generation. A quiet timer only
// flushes if its generation is still current, and a max timer only flushes
// the batch it was started for, so a timer that loses a race with a new
// arrival does nothing.
//
// Flushed batches go onto a per-conversation queue drained by a single
// goroutine, which keeps at most one dispatch in flight per conversation and
// dispatches batches in flush order. New arrivals during a dispatch start a
// fresh batch.
//
// The registry is keyed by (tenant, conversation). Idle entries are removed
// once their last dispatch finishes.
package batching
