package chunks

import (
	"strings"
	"unicode"

	"github.com/neurosnap/sentences"
)

// Tokenize renders text as the lowercase, space-joined token string indexed
// for full-text search. Latin letter and digit runs form one token each; Han
// runes are emitted one per token so mixed Chinese and English content stays
// searchable without a segmentation dictionary.
func Tokenize(text string) string {
	var tokens []string
	var word []rune
	flush := func() {
		if len(word) > 0 {
			tokens = append(tokens, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return strings.Join(tokens, " ")
}

// truncateAtSentence caps text at maxRunes, cutting at the last sentence
// boundary that fits. Embedding endpoints bound their input size; cutting
// mid-sentence costs retrieval quality, so whole sentences are kept while
// they fit. A single sentence longer than the cap is cut hard.
func truncateAtSentence(tokenizer *sentences.DefaultSentenceTokenizer, text string, maxRunes int) string {
	if maxRunes <= 0 || len([]rune(text)) <= maxRunes {
		return text
	}

	var (
		kept  []string
		total int
	)
	for _, sent := range tokenizer.Tokenize(text) {
		s := strings.TrimSpace(sent.Text)
		if s == "" {
			continue
		}
		n := len([]rune(s))
		if total+n > maxRunes {
			break
		}
		kept = append(kept, s)
		total += n
	}
	if len(kept) == 0 {
		return string([]rune(text)[:maxRunes])
	}
	return strings.Join(kept, " ")
}
