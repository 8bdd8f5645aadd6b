// Package inbound is the edge of the pipeline: it turns raw channel events into
// canonical InboundMessage values and bounds per-tenant throughput.
//
// The tenant of a message is always the authenticated tenant in the request
// context. A raw event that names another tenant is a data isolation violation,
// reported through auth.Guard.
//
// Timestamps may be RFC3339 strings or unix seconds/milliseconds; a missing
// timestamp becomes the receive time. Events without a message id get a
// generated one so downstream dedupe and ledger rows always have a key.
package inbound
