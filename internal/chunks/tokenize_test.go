package chunks

import (
	"strings"
	"testing"

	"github.com/neurosnap/sentences"
	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello, World!", "hello world"},
		{"Version 2.5 of the API", "version 2 5 of the api"},
		{"深度学习", "深 度 学 习"},
		{"深度学习 with Transformers", "深 度 学 习 with transformers"},
		{"Handbook.pdf", "handbook pdf"},
		{"", ""},
		{"   \t\n", ""},
		{"----", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Tokenize(tc.in), "input %q", tc.in)
	}
}

func TestTruncateAtSentence(t *testing.T) {
	tok := sentences.NewSentenceTokenizer(nil)

	t.Run("short text passes through", func(t *testing.T) {
		assert.Equal(t, "Short.", truncateAtSentence(tok, "Short.", 100))
	})

	t.Run("non-positive cap disables truncation", func(t *testing.T) {
		long := strings.Repeat("a", 500)
		assert.Equal(t, long, truncateAtSentence(tok, long, 0))
	})

	t.Run("cuts at the last sentence that fits", func(t *testing.T) {
		text := "First sentence. Second sentence. Third sentence."
		got := truncateAtSentence(tok, text, 35)
		assert.Equal(t, "First sentence. Second sentence.", got)
	})

	t.Run("oversized single sentence is cut hard", func(t *testing.T) {
		long := strings.Repeat("a", 50)
		got := truncateAtSentence(tok, long, 10)
		assert.Equal(t, strings.Repeat("a", 10), got)
	})
}
