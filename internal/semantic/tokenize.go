package semantic

import (
	"regexp"
	"strings"
)

// wordRegex matches word tokens: letters and digits with internal
// apostrophes or hyphens ("don't", "self-test").
var wordRegex = regexp.MustCompile(`[a-zA-Z0-9]+(?:['-][a-zA-Z0-9]+)*`)

// sentenceSplit breaks on sentence-ending punctuation or blank lines.
var sentenceSplit = regexp.MustCompile(`[.!?]+\s+|\n{2,}|[.!?]+$`)

// tokenizeWords returns lowercased word tokens.
func tokenizeWords(text string) []string {
	raw := wordRegex.FindAllString(text, -1)
	words := make([]string, 0, len(raw))
	for _, w := range raw {
		words = append(words, strings.ToLower(w))
	}
	return words
}

// splitSentences splits text into sentences. Newlines within a sentence
// are treated as spaces; blank lines end a sentence.
func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

// countSentences returns the number of sentences, at least 1 for non-empty text.
func countSentences(text string) int {
	n := len(splitSentences(text))
	if n == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return n
}

// countSyllables estimates syllables in a word by counting vowel groups,
// discounting a silent trailing "e". Every word has at least one syllable.
func countSyllables(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		vowel := strings.ContainsRune("aeiouy", r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}
	if strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "le") && count > 1 {
		count--
	}
	if count < 1 {
		count = 1
	}
	return count
}

// Readability computes the Flesch reading ease of the text, clamped
// to [0, 100]. Higher is easier to read. Empty text scores 100.
func Readability(text string) float64 {
	words := tokenizeWords(text)
	if len(words) == 0 {
		return 100
	}
	sentences := countSentences(text)

	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}

	score := 206.835 -
		1.015*(float64(len(words))/float64(sentences)) -
		84.6*(float64(syllables)/float64(len(words)))

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// codeMarkers are substrings that rarely occur outside source code.
var codeMarkers = []string{
	"```", "{\n", "};", ") {", "=>", "&&", "||", "!=", "==",
	"func ", "def ", "class ", "import ", "#include", "return ",
	"public ", "private ", "const ", "var ", "let ",
}

// HasCode reports whether the text looks like it contains source code.
// It checks for common syntax markers and overall symbol density.
func HasCode(text string) bool {
	hits := 0
	for _, marker := range codeMarkers {
		if strings.Contains(text, marker) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}

	if len(text) == 0 {
		return false
	}
	symbols := 0
	for _, r := range text {
		switch r {
		case '{', '}', '(', ')', '[', ']', ';', '=', '<', '>':
			symbols++
		}
	}
	return float64(symbols)/float64(len(text)) > 0.05
}

// stopWords is a compact English stopword list for phrase extraction.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"a", "an", "the", "and", "or", "but", "nor", "so", "yet",
		"of", "in", "on", "at", "to", "from", "by", "with", "about",
		"as", "into", "onto", "over", "under", "up", "down", "out",
		"for", "off", "than", "then", "through", "between", "during",
		"is", "am", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "having", "do", "does", "did", "doing",
		"will", "would", "shall", "should", "can", "could", "may",
		"might", "must", "ought",
		"i", "me", "my", "we", "us", "our", "you", "your", "he",
		"him", "his", "she", "her", "it", "its", "they", "them",
		"their", "this", "that", "these", "those", "which", "who",
		"whom", "whose", "what", "when", "where", "why", "how",
		"all", "any", "both", "each", "few", "more", "most", "other",
		"some", "such", "no", "not", "only", "own", "same", "too",
		"very", "just", "also", "there", "here", "if", "because",
		"while", "until", "although", "though",
	} {
		stopWords[w] = struct{}{}
	}
}

func isStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}
