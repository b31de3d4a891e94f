package session

import (
	"slices"
	"strings"

	"novel-stream/internal/protocol"
)

// Mode - режим сессии.
type Mode string

const (
	ModeIdle             Mode = "idle"
	ModeAwaitingChoice   Mode = "awaiting_choice"
	ModeAwaitingFreeform Mode = "awaiting_freeform"
	ModeStreaming        Mode = "streaming"
	ModeCompleted        Mode = "completed"
	ModeFailed           Mode = "failed"
)

// IsAwaitingDecision сообщает, ждет ли сессия ввода пользователя.
func (m Mode) IsAwaitingDecision() bool {
	return m == ModeAwaitingChoice || m == ModeAwaitingFreeform
}

// IsActive - сессия идет: ждет решения или получает текст.
func (m Mode) IsActive() bool {
	return m.IsAwaitingDecision() || m == ModeStreaming
}

// IsTerminal - сессия завершена успешно или с ошибкой.
func (m Mode) IsTerminal() bool {
	return m == ModeCompleted || m == ModeFailed
}

// EndMarker вставляется в текст перед финальным фрагментом.
const EndMarker = "\n\nThe End.\n\n"

// DecisionPoint - точка решения: ChoiceSet или OpenQuestion.
type DecisionPoint interface {
	isDecisionPoint()
}

// ChoiceSet - фиксированный набор вариантов. Варианты могут совпадать
// текстуально, но остаются отдельными кнопками.
type ChoiceSet struct {
	ChoiceType string
	Options    []string
}

// OpenQuestion - вопрос со свободным ответом.
type OpenQuestion struct {
	Prompt string
}

func (ChoiceSet) isDecisionPoint()    {}
func (OpenQuestion) isDecisionPoint() {}

// sameDecision - точки решения совпадают по виду и содержимому.
func sameDecision(a, b DecisionPoint) bool {
	switch x := a.(type) {
	case ChoiceSet:
		y, ok := b.(ChoiceSet)
		return ok && x.ChoiceType == y.ChoiceType && slices.Equal(x.Options, y.Options)
	case OpenQuestion:
		y, ok := b.(OpenQuestion)
		return ok && x.Prompt == y.Prompt
	}
	return false
}

// Contains сообщает, входит ли вариант в набор (точное совпадение).
func (c ChoiceSet) Contains(option string) bool {
	return slices.Contains(c.Options, option)
}

// DecisionEvent - нормализованное событие решения от движка.
// StoryID пуст для next_choices.
type DecisionEvent struct {
	Event   protocol.EventName
	StoryID string
	NodeID  protocol.NodeID
	Point   DecisionPoint
}

// Session - состояние одного прохождения истории.
type Session struct {
	ID       string
	NodeID   *protocol.NodeID // nil только в ModeIdle
	Mode     Mode
	Decision DecisionPoint

	transcript []string
	// seen - узлы, точки решения которых уже были получены в этой сессии.
	seen map[protocol.NodeID]struct{}
	// starting - start_story отправлен, первая точка решения еще не пришла.
	starting bool

	failure        error
	failureMessage string
}

func (s *Session) markSeen(node protocol.NodeID) {
	if s.seen == nil {
		s.seen = make(map[protocol.NodeID]struct{})
	}
	s.seen[node] = struct{}{}
}

func (s *Session) wasSeen(node protocol.NodeID) bool {
	_, ok := s.seen[node]
	return ok
}

func (s *Session) appendFragment(text string) {
	s.transcript = append(s.transcript, text)
}

// Snapshot - неизменяемая копия состояния для слоя отображения.
type Snapshot struct {
	Mode           Mode
	SessionID      string
	NodeID         *protocol.NodeID
	Decision       DecisionPoint
	Fragments      []string
	Starting       bool
	Failure        error
	FailureMessage string
}

// Transcript возвращает накопленный текст в порядке получения.
func (s Snapshot) Transcript() string {
	return strings.Join(s.Fragments, "")
}

// CanBegin - можно ли сейчас начать новую историю.
func (s Snapshot) CanBegin() bool {
	if s.Mode == ModeIdle {
		return !s.Starting
	}
	return s.Mode.IsTerminal()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Mode:           s.Mode,
		SessionID:      s.ID,
		Starting:       s.starting,
		Failure:        s.failure,
		FailureMessage: s.failureMessage,
		Fragments:      append([]string(nil), s.transcript...),
	}
	if s.NodeID != nil {
		node := *s.NodeID
		snap.NodeID = &node
	}
	switch d := s.Decision.(type) {
	case ChoiceSet:
		snap.Decision = ChoiceSet{ChoiceType: d.ChoiceType, Options: append([]string(nil), d.Options...)}
	case OpenQuestion:
		snap.Decision = d
	}
	return snap
}
