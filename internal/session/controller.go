package session

import (
	"errors"
	"fmt"
	"strings"

	"novel-stream/internal/protocol"

	"github.com/rs/zerolog"
)

// IntentSender отправляет исходящие намерения движку.
type IntentSender interface {
	Send(msg protocol.Message) error
}

// Controller - конечный автомат клиентской сессии.
// Не потокобезопасен: все вызовы должны идти из одной горутины (см. client.Runner).
type Controller struct {
	sender  IntentSender
	logger  zerolog.Logger
	session Session
}

// NewController создает контроллер в режиме Idle.
func NewController(sender IntentSender, logger zerolog.Logger) *Controller {
	return &Controller{
		sender:  sender,
		logger:  logger.With().Str("component", "SessionController").Logger(),
		session: Session{Mode: ModeIdle},
	}
}

// Mode возвращает текущий режим.
func (c *Controller) Mode() Mode {
	return c.session.Mode
}

// Snapshot возвращает копию состояния сессии.
func (c *Controller) Snapshot() Snapshot {
	return c.session.snapshot()
}

// BeginSession сбрасывает сессию и отправляет start_story.
// Допустим в Idle (если старт еще не запрошен), Completed и Failed.
func (c *Controller) BeginSession() error {
	s := &c.session
	if s.Mode.IsActive() {
		return fmt.Errorf("%w: begin session while %s", ErrInvalidState, s.Mode)
	}
	if s.Mode == ModeIdle && s.starting {
		return fmt.Errorf("%w: story start already requested", ErrInvalidState)
	}

	if err := c.sender.Send(protocol.StartStoryPayload{}); err != nil {
		return fmt.Errorf("send start_story: %w", err)
	}

	c.session = Session{Mode: ModeIdle, starting: true}
	c.logger.Info().Msg("Story start requested")
	return nil
}

// SubmitChoice отправляет выбранный вариант и переводит сессию в Streaming.
func (c *Controller) SubmitChoice(option string) error {
	s := &c.session
	if s.Mode != ModeAwaitingChoice {
		return fmt.Errorf("%w: submit choice while %s", ErrInvalidState, s.Mode)
	}
	choices, ok := s.Decision.(ChoiceSet)
	if !ok || !choices.Contains(option) {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, option)
	}

	intent := protocol.MakeChoicePayload{
		StoryID:       s.ID,
		CurrentNodeID: *s.NodeID,
		UserChoice:    option,
	}
	if err := c.sender.Send(intent); err != nil {
		return fmt.Errorf("send make_choice: %w", err)
	}

	s.Mode = ModeStreaming
	s.Decision = nil
	c.logger.Debug().Int64("nodeID", int64(intent.CurrentNodeID)).Str("choice", option).Msg("Choice submitted")
	return nil
}

// SubmitAnswer отправляет свободный ответ (без пробелов по краям).
func (c *Controller) SubmitAnswer(text string) error {
	s := &c.session
	if s.Mode != ModeAwaitingFreeform {
		return fmt.Errorf("%w: submit answer while %s", ErrInvalidState, s.Mode)
	}
	answer := strings.TrimSpace(text)
	if answer == "" {
		return ErrEmptyInput
	}

	intent := protocol.UserResponsePayload{
		StoryID:       s.ID,
		CurrentNodeID: *s.NodeID,
		UserInput:     answer,
	}
	if err := c.sender.Send(intent); err != nil {
		return fmt.Errorf("send user_response: %w", err)
	}

	s.Mode = ModeStreaming
	s.Decision = nil
	c.logger.Debug().Int64("nodeID", int64(intent.CurrentNodeID)).Msg("Answer submitted")
	return nil
}

// Dispatch направляет проверенное входящее событие в его переход.
func (c *Controller) Dispatch(msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.InitialChoicesPayload:
		return c.OnDecisionEvent(DecisionEvent{
			Event:   m.Event(),
			StoryID: m.StoryID,
			NodeID:  m.CurrentNodeID,
			Point:   ChoiceSet{ChoiceType: m.ChoiceType, Options: m.Choices},
		})
	case protocol.NextChoicesPayload:
		return c.OnDecisionEvent(DecisionEvent{
			Event:  m.Event(),
			NodeID: m.CurrentNodeID,
			Point:  ChoiceSet{ChoiceType: m.NextChoiceType, Options: m.Choices},
		})
	case protocol.LLMQuestionPayload:
		return c.OnDecisionEvent(DecisionEvent{
			Event:   m.Event(),
			StoryID: m.StoryID,
			NodeID:  m.CurrentNodeID,
			Point:   OpenQuestion{Prompt: m.Question},
		})
	case protocol.StoryUpdatePayload:
		return c.OnContentFragment(m.Content)
	case protocol.FinalStoryPayload:
		return c.OnTerminalEvent(m.Content)
	case protocol.ErrorPayload:
		return c.OnErrorEvent(m.Message)
	case nil:
		return c.violation("nil message")
	default:
		return c.violation(fmt.Sprintf("unexpected inbound event %q", msg.Event()))
	}
}

// OnDecisionEvent применяет точку решения: первую (Idle) или очередную (Streaming).
func (c *Controller) OnDecisionEvent(ev DecisionEvent) error {
	s := &c.session

	switch {
	case s.Mode == ModeIdle && !s.starting:
		return c.violation(fmt.Sprintf("%s without a requested story", ev.Event))
	case s.Mode.IsTerminal():
		return c.violation(fmt.Sprintf("late %s after session %s", ev.Event, s.Mode))
	}

	if err := checkDecisionPoint(ev.Point); err != nil {
		return c.violation(fmt.Sprintf("%s: %v", ev.Event, err))
	}

	if s.Mode == ModeIdle {
		if ev.StoryID == "" {
			return c.violation(fmt.Sprintf("%s cannot open a session without story_id", ev.Event))
		}
		s.ID = ev.StoryID
		s.starting = false
		c.applyDecision(ev)
		c.logger.Info().Str("storyID", s.ID).Int64("nodeID", int64(ev.NodeID)).Msg("Story session opened")
		return nil
	}

	// initial_choices открывает сессию и не может прийти посреди истории.
	if ev.Event == protocol.EventInitialChoices {
		return c.violation(fmt.Sprintf("%s for an already opened session %s", ev.Event, s.ID))
	}
	if ev.StoryID != "" && ev.StoryID != s.ID {
		return c.violation(fmt.Sprintf("stale %s for story %s (current %s)", ev.Event, ev.StoryID, s.ID))
	}

	switch {
	case s.Mode == ModeStreaming:
		// Ответ на отправленное намерение обязан привести на новый узел.
		if s.wasSeen(ev.NodeID) {
			return c.violation(fmt.Sprintf("stale %s replays node %d (current %d)", ev.Event, ev.NodeID, *s.NodeID))
		}
	case s.Mode.IsAwaitingDecision():
		// Намерение еще не отправлено: допустим только точный повтор текущей точки.
		if ev.NodeID != *s.NodeID {
			return c.violation(fmt.Sprintf("stale %s for node %d (current %d)", ev.Event, ev.NodeID, *s.NodeID))
		}
		if !sameDecision(ev.Point, s.Decision) {
			return c.violation(fmt.Sprintf("%s changes the pending decision at node %d", ev.Event, ev.NodeID))
		}
		c.logger.Debug().Int64("nodeID", int64(ev.NodeID)).Msg("Duplicate decision point ignored")
		return nil
	}

	c.applyDecision(ev)
	return nil
}

func (c *Controller) applyDecision(ev DecisionEvent) {
	s := &c.session
	node := ev.NodeID
	s.NodeID = &node
	s.markSeen(node)
	switch p := ev.Point.(type) {
	case ChoiceSet:
		s.Mode = ModeAwaitingChoice
		s.Decision = ChoiceSet{ChoiceType: p.ChoiceType, Options: append([]string(nil), p.Options...)}
	case OpenQuestion:
		s.Mode = ModeAwaitingFreeform
		s.Decision = p
	}
	c.logger.Debug().Str("mode", string(s.Mode)).Int64("nodeID", int64(node)).Msg("Decision point received")
}

func checkDecisionPoint(p DecisionPoint) error {
	switch d := p.(type) {
	case ChoiceSet:
		if len(d.Options) == 0 {
			return errors.New("empty option list")
		}
	case OpenQuestion:
		if strings.TrimSpace(d.Prompt) == "" {
			return errors.New("empty question")
		}
	default:
		return fmt.Errorf("unknown decision point %T", p)
	}
	return nil
}

// OnContentFragment дописывает фрагмент текста как есть.
func (c *Controller) OnContentFragment(text string) error {
	if c.session.Mode != ModeStreaming {
		return c.violation(fmt.Sprintf("content fragment while %s", c.session.Mode))
	}
	c.session.appendFragment(text)
	return nil
}

// OnTerminalEvent дописывает маркер конца и финальный текст, завершая сессию.
func (c *Controller) OnTerminalEvent(text string) error {
	s := &c.session
	if s.Mode != ModeStreaming {
		return c.violation(fmt.Sprintf("final story while %s", s.Mode))
	}
	s.appendFragment(EndMarker)
	s.appendFragment(text)
	s.Mode = ModeCompleted
	s.Decision = nil
	c.logger.Info().Str("storyID", s.ID).Msg("Story completed")
	return nil
}

// OnErrorEvent переводит идущую сессию в Failed. Текст сохраняется.
// Для уже завершенной сессии событие считается устаревшим.
func (c *Controller) OnErrorEvent(message string) error {
	s := &c.session
	failure := fmt.Errorf("%w: %s", ErrEngine, message)

	switch {
	case s.Mode.IsActive():
		c.fail(failure, message)
		return nil
	case s.Mode == ModeIdle && s.starting:
		c.abandonStart(failure, message)
		return nil
	}
	return c.violation(fmt.Sprintf("error event while %s: %s", s.Mode, message))
}

// OnDisconnect отображает потерю транспорта в событие ошибки.
func (c *Controller) OnDisconnect() {
	s := &c.session
	if s.Mode.IsActive() || (s.Mode == ModeIdle && s.starting) {
		_ = c.OnErrorEvent(DisconnectMessage)
	}
}

// OnMalformedEvent фиксирует событие, отвергнутое декодером протокола.
// Само событие до контроллера не доходит, но идущая сессия завершается.
func (c *Controller) OnMalformedEvent(cause error) error {
	return c.violation(cause.Error())
}

// violation фиксирует нарушение протокола. Идущая сессия переходит в Failed,
// завершенная или пустая остается как есть.
func (c *Controller) violation(reason string) error {
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, reason)
	s := &c.session
	c.logger.Warn().Err(err).Str("mode", string(s.Mode)).Str("storyID", s.ID).Msg("Inbound event rejected")

	switch {
	case s.Mode.IsActive():
		c.fail(err, genericFailureMessage)
	case s.Mode == ModeIdle && s.starting:
		c.abandonStart(err, genericFailureMessage)
	}
	return err
}

func (c *Controller) fail(err error, message string) {
	s := &c.session
	s.Mode = ModeFailed
	s.Decision = nil
	s.failure = err
	s.failureMessage = message
	c.logger.Error().Err(err).Str("storyID", s.ID).Msg("Story session failed")
}

// abandonStart отменяет запрошенный старт: сессия так и не открылась,
// поэтому остается Idle без идентификаторов.
func (c *Controller) abandonStart(err error, message string) {
	s := &c.session
	s.starting = false
	s.failure = err
	s.failureMessage = message
	c.logger.Error().Err(err).Msg("Story start failed")
}
