// Package learning mines conversation outcomes into candidate success
// patterns.
//
// For each tenant the engine loads the replies sent in conversations with a
// recent outcome, extracts 1 to 3 word phrases, and keeps those that appear in
// at least MinOccurrence conversations and move the success rate by at least
// MinLift. Phrases that raise it become opening or closing phrases depending
// on where they usually sit; phrases that lower it become phrases to avoid.
// Near-identical candidates are merged before persisting.
//
// New candidates are stored as draft, or pending_approval once their sample
// size reaches ApprovalSamples. The engine never approves anything.
package learning
