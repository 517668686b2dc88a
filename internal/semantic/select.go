package semantic

import (
	"sort"
	"strings"
)

// SelectDiverse picks up to k phrases from a multiset of scored phrases
// coming from many documents.
//
// Phrases are aggregated by occurrence count and considered in frequency
// order. A candidate is skipped when any of its whitespace-separated words
// already appears in a selected phrase, which keeps the result from being
// k variations of the same dominant term. The overlap rule is relaxed while
// fewer than 2 phrases are selected, so near-duplicate corpora still
// produce a non-trivial preview.
func SelectDiverse(phrases []Phrase, k int) []Phrase {
	if k <= 0 || len(phrases) == 0 {
		return nil
	}

	type group struct {
		text  string
		count int
		score float64 // highest score seen, reported on the selection
	}
	groups := make(map[string]*group)
	for _, p := range phrases {
		g, ok := groups[p.Text]
		if !ok {
			g = &group{text: p.Text}
			groups[p.Text] = g
		}
		g.count++
		if p.Score > g.score {
			g.score = p.Score
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].text < ordered[j].text
	})

	selected := make([]Phrase, 0, k)
	usedWords := make(map[string]struct{})
	for _, g := range ordered {
		if len(selected) >= k {
			break
		}
		words := strings.Fields(g.text)
		overlaps := false
		for _, w := range words {
			if _, ok := usedWords[w]; ok {
				overlaps = true
				break
			}
		}
		if overlaps && len(selected) >= 2 {
			continue
		}
		selected = append(selected, Phrase{Text: g.text, Score: g.score})
		for _, w := range words {
			usedWords[w] = struct{}{}
		}
	}

	return selected
}

// Complexity maps an average readability score to a coarse indicator.
type Complexity string

const (
	ComplexitySimple    Complexity = "simple"
	ComplexityModerate  Complexity = "moderate"
	ComplexityTechnical Complexity = "technical"
)

// ComplexityOf classifies an average readability score.
func ComplexityOf(avgReadability float64) Complexity {
	switch {
	case avgReadability >= 70:
		return ComplexitySimple
	case avgReadability >= 50:
		return ComplexityModerate
	default:
		return ComplexityTechnical
	}
}
