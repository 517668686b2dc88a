// Package semantic derives lightweight semantic signals from extracted
// document text: key phrases, readability, and a has-code heuristic.
//
// The signals are computed once at indexing time and persisted with each
// chunk, so query-time operations (folder previews, document listings,
// metadata) never re-read file content.
package semantic

import (
	"sort"
	"strings"
)

// Phrase is a scored key phrase.
type Phrase struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Signals holds the per-chunk semantic extraction results.
type Signals struct {
	// KeyPhrases is sorted by score descending, at most MaxPhrases entries.
	KeyPhrases []Phrase
	// Readability is the Flesch reading ease, clamped to [0, 100].
	Readability float64
	// HasCode reports whether the text looks like it contains source code.
	HasCode bool
}

// MaxPhrases is the number of key phrases kept per chunk.
const MaxPhrases = 10

// maxPhraseWords caps phrase length: longer stopword-free runs are split
// into sliding n-grams up to this size.
const maxPhraseWords = 3

// Extract computes semantic signals for a piece of text.
func Extract(text string) Signals {
	return Signals{
		KeyPhrases:  ExtractPhrases(text, MaxPhrases),
		Readability: Readability(text),
		HasCode:     HasCode(text),
	}
}

// ExtractPhrases returns the top-k key phrases of the text.
//
// Candidates are word n-grams (1..3 words) drawn from stopword-free runs
// within sentences. Each candidate is frequency-counted and the counts are
// normalized by the maximum, so scores fall in (0, 1] with the most frequent
// phrase at 1.0. Ties prefer longer phrases (more specific), then break
// alphabetically for determinism.
func ExtractPhrases(text string, k int) []Phrase {
	if k <= 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, sentence := range splitSentences(text) {
		for _, run := range contentRuns(sentence) {
			for n := 1; n <= maxPhraseWords; n++ {
				for i := 0; i+n <= len(run); i++ {
					phrase := strings.Join(run[i:i+n], " ")
					if n == 1 && len(phrase) < 3 {
						continue // single short words are noise
					}
					counts[phrase]++
				}
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}

	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	phrases := make([]Phrase, 0, len(counts))
	for text, c := range counts {
		phrases = append(phrases, Phrase{Text: text, Score: float64(c) / float64(maxCount)})
	}
	sort.Slice(phrases, func(i, j int) bool {
		if phrases[i].Score != phrases[j].Score {
			return phrases[i].Score > phrases[j].Score
		}
		wi, wj := strings.Count(phrases[i].Text, " "), strings.Count(phrases[j].Text, " ")
		if wi != wj {
			return wi > wj
		}
		return phrases[i].Text < phrases[j].Text
	})

	if len(phrases) > k {
		phrases = phrases[:k]
	}
	return phrases
}

// contentRuns splits a sentence into runs of consecutive content words.
// Stopwords terminate a run and are discarded.
func contentRuns(sentence string) [][]string {
	words := tokenizeWords(sentence)
	var runs [][]string
	var current []string
	for _, w := range words {
		if isStopWord(w) {
			if len(current) > 0 {
				runs = append(runs, current)
				current = nil
			}
			continue
		}
		current = append(current, w)
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	return runs
}

// TopPhrases merges per-chunk phrase lists into a document-level top-k.
// Scores for repeated phrases are summed before normalization, so phrases
// that recur across chunks rise to the top.
func TopPhrases(chunks [][]Phrase, k int) []Phrase {
	if k <= 0 {
		return nil
	}

	sums := make(map[string]float64)
	for _, list := range chunks {
		for _, p := range list {
			sums[p.Text] += p.Score
		}
	}
	if len(sums) == 0 {
		return nil
	}

	maxSum := 0.0
	for _, s := range sums {
		if s > maxSum {
			maxSum = s
		}
	}

	merged := make([]Phrase, 0, len(sums))
	for text, s := range sums {
		merged = append(merged, Phrase{Text: text, Score: s / maxSum})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Text < merged[j].Text
	})

	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}
