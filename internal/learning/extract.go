// ABOUTME: Candidate marker extraction from reply text
// ABOUTME: Produces word n-grams with their position and sentence placement inside the reply

package learning

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/2389/batchline/internal/patterns"
)

const maxNGram = 3

// stopwords never form a unigram marker on their own.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "i": true, "in": true, "is": true, "it": true, "its": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "our": true,
	"so": true, "that": true, "the": true, "this": true, "to": true, "was": true,
	"we": true, "will": true, "with": true, "you": true, "your": true,
}

// occurrence is one marker seen in a conversation's replies.
type occurrence struct {
	position float64 // 0 = start of reply, 1 = end
	leading  bool    // the reply starts with it
	last     bool    // inside the last sentence of a multi-sentence reply
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)`)

// splitSentences cuts text after sentence-ending punctuation followed by
// whitespace, so decimals such as 4.50 stay whole.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start:loc[1]]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// tokenize lowercases text and splits it into runs of words. Punctuation
// other than apostrophes ends a run, and so does any token containing a
// digit or symbol, so no n-gram spans a sentence break or a number.
func tokenize(text string) [][]string {
	var runs [][]string
	var run []string
	var word strings.Builder
	tainted := false

	endWord := func() {
		w := strings.Trim(word.String(), "'")
		word.Reset()
		switch {
		case tainted:
			endRun(&runs, &run)
		case w != "":
			run = append(run, w)
		}
		tainted = false
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			endWord()
		case unicode.IsPunct(r) && r != '\'':
			endWord()
			endRun(&runs, &run)
		case unicode.IsDigit(r) || unicode.IsSymbol(r):
			tainted = true
		default:
			word.WriteRune(r)
		}
	}
	endWord()
	endRun(&runs, &run)
	return runs
}

func endRun(runs *[][]string, run *[]string) {
	if len(*run) > 0 {
		*runs = append(*runs, *run)
		*run = nil
	}
}

// extractMarkers returns every 1..3-word n-gram in replies keyed by phrase,
// with where its first occurrence in each reply sits.
func extractMarkers(replies []string) map[string][]occurrence {
	out := make(map[string][]occurrence)
	for _, reply := range replies {
		type sentenceRuns struct {
			index int
			runs  [][]string
		}
		sentences := splitSentences(reply)
		var all []sentenceRuns
		total := 0
		for i, sentence := range sentences {
			runs := tokenize(sentence)
			for _, r := range runs {
				total += len(r)
			}
			all = append(all, sentenceRuns{index: i, runs: runs})
		}
		if total == 0 {
			continue
		}

		seen := make(map[string]bool)
		offset := 0
		for _, sr := range all {
			for _, words := range sr.runs {
				for i := range words {
					for n := 1; n <= maxNGram && i+n <= len(words); n++ {
						gram := words[i : i+n]
						if n == 1 && stopwords[gram[0]] {
							continue
						}
						if allStopwords(gram) {
							continue
						}
						phrase := strings.Join(gram, " ")
						if seen[phrase] {
							continue
						}
						seen[phrase] = true

						pos := 0.0
						if total > 1 {
							pos = float64(offset+i) / float64(total-1)
						}
						out[phrase] = append(out[phrase], occurrence{
							position: pos,
							leading:  offset+i == 0,
							last:     len(sentences) > 1 && sr.index == len(sentences)-1,
						})
					}
				}
				offset += len(words)
			}
		}
	}
	return out
}

// placement picks where a helpful phrase belongs from where it was seen:
// opening when most replies start with it, closing when it mostly sat in
// the last sentence of a longer reply. Anything else was mid-reply wording
// and has no placement.
func placement(occs []occurrence) (patterns.Kind, bool) {
	var leading, last int
	for _, o := range occs {
		if o.leading {
			leading++
		}
		if o.last {
			last++
		}
	}
	switch {
	case 2*leading > len(occs):
		return patterns.KindOpeningPhrase, true
	case 2*last > len(occs):
		return patterns.KindClosingPhrase, true
	}
	return "", false
}
