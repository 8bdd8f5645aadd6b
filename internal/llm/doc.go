// Package llm is the AI completion collaborator.
//
// Client speaks the OpenAI chat completions protocol, so any compatible
// server works. A request carries the flushed message batch, the memory
// snapshot taken before the batch and optional pattern hints. The reply's
// finish reason is mapped to a coarse model confidence.
//
// Failures that may succeed on retry (timeouts, connection errors, 429 and
// 5xx) are wrapped with apperr.Transient; everything else is returned as is.
package llm
