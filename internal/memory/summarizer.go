// ABOUTME: Summarizer interface and the default extractive implementation
// ABOUTME: Folds old turns into a bounded rolling transcript summary

package memory

import (
	"context"
	"strings"
)

// Summarizer condenses turns into a long-term summary, extending previous.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []Turn) (string, error)
}

// ExtractiveSummarizer appends "role: text" lines to the previous summary and
// keeps the newest MaxRunes runes.
type ExtractiveSummarizer struct {
	MaxRunes int
}

// Summarize implements Summarizer.
func (e ExtractiveSummarizer) Summarize(_ context.Context, previous string, turns []Turn) (string, error) {
	var b strings.Builder
	b.WriteString(previous)
	for _, t := range turns {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(t.Text))
	}

	out := b.String()
	if e.MaxRunes > 0 {
		runes := []rune(out)
		if len(runes) > e.MaxRunes {
			out = string(runes[len(runes)-e.MaxRunes:])
		}
	}
	return out, nil
}
