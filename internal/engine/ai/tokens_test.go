package ai_test

import (
	"testing"

	"novel-stream/internal/engine/ai"

	"github.com/stretchr/testify/assert"
)

// runeCounter - один токен на символ, чтобы бюджет был предсказуем.
type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func TestApproxCounter(t *testing.T) {
	c := ai.ApproxCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 2, c.Count("привет"))
}

func TestFitRecent(t *testing.T) {
	parts := []string{"aaaa", "bb", "cccc", "d"}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{"no limit", 0, parts},
		{"everything fits", 11, parts},
		{"drops oldest", 7, []string{"bb", "cccc", "d"}},
		{"stops at first overflow", 6, []string{"cccc", "d"}},
		{"only newest", 1, []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ai.FitRecent(runeCounter{}, parts, tt.limit))
		})
	}

	t.Run("newest part alone exceeds limit", func(t *testing.T) {
		assert.Empty(t, ai.FitRecent(runeCounter{}, []string{"a", "long part"}, 3))
	})
}
