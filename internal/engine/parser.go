package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedChoices - ответ LLM не удалось разобрать в тип выбора и варианты.
var ErrMalformedChoices = errors.New("malformed choices reply")

// ErrEmptyQuestion - LLM не вернул вопрос.
var ErrEmptyQuestion = errors.New("empty question reply")

var (
	codeBlockRegex  = regexp.MustCompile("(?s)```(?:\\w+)?\\s*(.*?)\\s*```")
	choiceTypeRegex = regexp.MustCompile(`(?i)^\**\s*(?:choice\s+)?type\s*\**\s*:\s*\**\s*(.+?)\s*\**$`)
	optionRegex     = regexp.MustCompile(`^(?:\d+\s*[.)]|[-*•])\s+(.+)$`)
)

// ParseChoices разбирает ответ вида
//
//	TYPE: <тип выбора>
//	1. <вариант>
//	2. <вариант>
//
// limit > 0 ограничивает число вариантов.
func ParseChoices(reply string, limit int) (string, []string, error) {
	text := stripCodeBlock(reply)

	var choiceType string
	var options []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if choiceType == "" {
			if m := choiceTypeRegex.FindStringSubmatch(line); m != nil {
				choiceType = cleanItem(m[1])
				continue
			}
		}
		if m := optionRegex.FindStringSubmatch(line); m != nil {
			if opt := cleanItem(m[1]); opt != "" {
				options = append(options, opt)
			}
		}
	}

	if choiceType == "" {
		return "", nil, fmt.Errorf("%w: no TYPE line", ErrMalformedChoices)
	}
	if len(options) == 0 {
		return "", nil, fmt.Errorf("%w: no options", ErrMalformedChoices)
	}
	if limit > 0 && len(options) > limit {
		options = options[:limit]
	}
	return choiceType, options, nil
}

// ParseQuestion очищает ответ с открытым вопросом.
func ParseQuestion(reply string) (string, error) {
	q := cleanItem(stripCodeBlock(reply))
	if q == "" {
		return "", ErrEmptyQuestion
	}
	return q, nil
}

func stripCodeBlock(s string) string {
	if m := codeBlockRegex.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// cleanItem убирает markdown выделение и кавычки по краям.
func cleanItem(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*\"'`"))
}
