// Package patterns applies learned success patterns to replies and maintains
// their lifecycle.
//
// A stored pattern's type is decoded once into a Transform: a closing phrase,
// an opening phrase or a set of phrases to avoid. Only approved, active
// patterns are applied, best success rate first, at most K per reply. Text the
// pattern already satisfies counts toward K unchanged, which makes Apply
// idempotent. Sentences carrying numbers, currency or protected terms are
// never removed.
//
// Reviewer handles approve, reject and retire. Tracker records outcomes,
// credits the patterns applied in the conversation and retires patterns whose
// trend keeps declining.
package patterns
