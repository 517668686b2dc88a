package query

import (
	"sort"
	"strings"

	"github.com/folder-mcp/folderd/internal/semantic"
)

// Complexity buckets derived from average readability.
const (
	ComplexitySimple    = "simple"
	ComplexityModerate  = "moderate"
	ComplexityTechnical = "technical"
)

// ComplexityOf maps an average readability score onto the client-facing
// complexity indicator. Higher readability means simpler content.
func ComplexityOf(avgReadability float64) string {
	switch {
	case avgReadability >= 70:
		return ComplexitySimple
	case avgReadability >= 50:
		return ComplexityModerate
	default:
		return ComplexityTechnical
	}
}

// SelectDiverse picks up to k key phrases from many documents' phrase
// lists, favoring frequent phrases while avoiding word overlap between
// picks. Frequency ties keep first-occurrence order. The overlap rule is
// waived until two phrases are selected, so near-duplicate corpora still
// produce a preview.
func SelectDiverse(groups [][]semantic.Phrase, k int) []string {
	if k <= 0 {
		return nil
	}

	type candidate struct {
		text  string
		count int
		seen  int
	}
	byText := make(map[string]*candidate)
	var order []*candidate
	next := 0
	for _, group := range groups {
		for _, p := range group {
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			key := strings.ToLower(text)
			c, ok := byText[key]
			if !ok {
				c = &candidate{text: text, seen: next}
				next++
				byText[key] = c
				order = append(order, c)
			}
			c.count++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].seen < order[j].seen
	})

	var selected []string
	usedWords := make(map[string]struct{})
	for _, c := range order {
		if len(selected) >= k {
			break
		}
		words := strings.Fields(strings.ToLower(c.text))
		if len(selected) >= 2 && overlaps(words, usedWords) {
			continue
		}
		selected = append(selected, c.text)
		for _, w := range words {
			usedWords[w] = struct{}{}
		}
	}
	return selected
}

func overlaps(words []string, used map[string]struct{}) bool {
	for _, w := range words {
		if _, ok := used[w]; ok {
			return true
		}
	}
	return false
}

// topPhrases returns up to n phrase texts from a score-sorted list.
func topPhrases(phrases []semantic.Phrase, n int) []string {
	if n > len(phrases) {
		n = len(phrases)
	}
	out := make([]string, 0, n)
	for _, p := range phrases[:n] {
		out = append(out, p.Text)
	}
	return out
}
