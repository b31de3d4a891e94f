package ai

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter считает токены текста.
type TokenCounter interface {
	Count(text string) int
}

// NewTokenCounter возвращает tiktoken-счетчик для модели. Для моделей,
// неизвестных tiktoken, используется cl100k_base, а если словарь
// недоступен - приблизительный счетчик.
func NewTokenCounter(model string) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		return ApproxCounter{}
	}
	return tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter оценивает токены как символы/4, с округлением вверх.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// FitRecent оставляет самые свежие части, суммарно укладывающиеся в limit токенов.
// Порядок частей сохраняется. limit <= 0 отключает ограничение.
func FitRecent(counter TokenCounter, parts []string, limit int) []string {
	if limit <= 0 {
		return parts
	}
	used := 0
	start := len(parts)
	for i := len(parts) - 1; i >= 0; i-- {
		n := counter.Count(parts[i])
		if used+n > limit {
			break
		}
		used += n
		start = i
	}
	return parts[start:]
}
