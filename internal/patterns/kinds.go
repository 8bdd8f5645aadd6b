// ABOUTME: Closed set of pattern kinds decoded once from stored patterns
// ABOUTME: Each kind knows whether a reply already satisfies it and how to apply it

package patterns

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/store"
)

// Kind is the pattern_type column.
type Kind string

const (
	KindClosingPhrase Kind = "closing_phrase"
	KindOpeningPhrase Kind = "opening_phrase"
	KindAvoidPhrase   Kind = "avoid_phrase"
)

// Valid returns true for known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindClosingPhrase, KindOpeningPhrase, KindAvoidPhrase:
		return true
	}
	return false
}

// Transform is a decoded pattern. The set of implementations is closed.
type Transform interface {
	Kind() Kind
	// Satisfied reports whether text already reflects the pattern.
	Satisfied(text string) bool
	// Apply returns the adjusted text or a *apperr.PatternConflictError.
	Apply(text string, protected []string) (string, error)
	// Hint is a one-line instruction for the completion request.
	Hint() string
	// Phrases returns the phrases the transform would add.
	Phrases() []string
	// Avoided returns the phrases the transform removes.
	Avoided() []string
}

// Decoded is a stored pattern together with its transform.
type Decoded struct {
	Pattern   *store.Pattern
	Transform Transform
}

// Decode resolves a stored pattern's kind once.
func Decode(p *store.Pattern) (*Decoded, error) {
	phrase := strings.TrimSpace(p.PrimaryMarker)

	var t Transform
	switch Kind(p.Type) {
	case KindClosingPhrase:
		if phrase == "" {
			return nil, fmt.Errorf("pattern %s: empty closing phrase", p.ID)
		}
		t = closingPhrase{phrase: phrase}
	case KindOpeningPhrase:
		if phrase == "" {
			return nil, fmt.Errorf("pattern %s: empty opening phrase", p.ID)
		}
		t = openingPhrase{phrase: phrase}
	case KindAvoidPhrase:
		phrases := nonEmpty(append([]string{phrase}, p.Signature.FailureMarkers...))
		if len(phrases) == 0 {
			return nil, fmt.Errorf("pattern %s: no phrases to avoid", p.ID)
		}
		t = avoidPhrases{id: p.ID, phrases: phrases}
	default:
		return nil, fmt.Errorf("pattern %s: unknown pattern type %q", p.ID, p.Type)
	}
	return &Decoded{Pattern: p, Transform: t}, nil
}

type closingPhrase struct {
	phrase string
}

func (c closingPhrase) Kind() Kind { return KindClosingPhrase }

func (c closingPhrase) Satisfied(text string) bool { return containsFold(text, c.phrase) }

func (c closingPhrase) Apply(text string, _ []string) (string, error) {
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	if text == "" {
		return sentence(c.phrase), nil
	}
	return terminate(text) + " " + sentence(c.phrase), nil
}

func (c closingPhrase) Hint() string { return fmt.Sprintf("Close the reply with: %q", c.phrase) }
func (c closingPhrase) Phrases() []string { return []string{c.phrase} }
func (c closingPhrase) Avoided() []string { return nil }

type openingPhrase struct {
	phrase string
}

func (o openingPhrase) Kind() Kind { return KindOpeningPhrase }

func (o openingPhrase) Satisfied(text string) bool {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	return strings.HasPrefix(strings.ToLower(trimmed), strings.ToLower(o.phrase))
}

func (o openingPhrase) Apply(text string, _ []string) (string, error) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if text == "" {
		return sentence(o.phrase), nil
	}
	return sentence(o.phrase) + " " + text, nil
}

func (o openingPhrase) Hint() string { return fmt.Sprintf("Open the reply with: %q", o.phrase) }
func (o openingPhrase) Phrases() []string { return []string{o.phrase} }
func (o openingPhrase) Avoided() []string { return nil }

type avoidPhrases struct {
	id      string
	phrases []string
}

func (a avoidPhrases) Kind() Kind { return KindAvoidPhrase }

func (a avoidPhrases) Satisfied(text string) bool {
	for _, p := range a.phrases {
		if containsFold(text, p) {
			return false
		}
	}
	return true
}

// Apply drops sentences that contain an avoided phrase. A sentence carrying
// factual content cannot be dropped and yields a conflict.
func (a avoidPhrases) Apply(text string, protected []string) (string, error) {
	return a.strip(text, protected, false)
}

// strip is Apply with an option to let every sentence go.
func (a avoidPhrases) strip(text string, protected []string, allowEmpty bool) (string, error) {
	sentences := splitSentences(text)
	kept := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if !a.matches(s) {
			kept = append(kept, s)
			continue
		}
		if isFactual(s, protected) {
			return "", &apperr.PatternConflictError{PatternID: a.id, Reason: "avoided phrase in factual sentence"}
		}
	}
	if len(kept) == 0 && !allowEmpty {
		return "", &apperr.PatternConflictError{PatternID: a.id, Reason: "reply would be empty"}
	}
	return strings.Join(kept, " "), nil
}

func (a avoidPhrases) matches(s string) bool {
	for _, p := range a.phrases {
		if containsFold(s, p) {
			return true
		}
	}
	return false
}

func (a avoidPhrases) Hint() string {
	return fmt.Sprintf("Avoid saying: %s", strings.Join(quoteAll(a.phrases), ", "))
}
func (a avoidPhrases) Phrases() []string { return nil }
func (a avoidPhrases) Avoided() []string { return a.phrases }

var (
	sentenceBoundary = regexp.MustCompile(`[.!?]+\s+`)
	factualContent   = regexp.MustCompile(`\d|[$€£¥฿]`)
)

func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[start:loc[1]])
		if s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// isFactual reports whether s mentions numbers, currency or a protected term.
func isFactual(s string, protected []string) bool {
	if factualContent.MatchString(s) {
		return true
	}
	for _, p := range protected {
		if p != "" && containsFold(s, p) {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func terminate(s string) string {
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}

// sentence capitalizes the first letter and terminates the phrase.
func sentence(phrase string) string {
	r := []rune(phrase)
	r[0] = unicode.ToUpper(r[0])
	return terminate(string(r))
}

func nonEmpty(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
