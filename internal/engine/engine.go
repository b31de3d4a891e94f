package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"novel-stream/internal/config"
	"novel-stream/internal/engine/ai"
	"novel-stream/internal/messaging"
	"novel-stream/internal/metrics"
	"novel-stream/internal/protocol"
	"novel-stream/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Тексты ошибок для клиента. Подробности остаются в логе.
const (
	MsgInvalidData      = "Invalid data received."
	MsgStaleDecision    = "This decision is no longer current."
	MsgStartFailed      = "The story could not be started. Please try again."
	MsgGenerationFailed = "The story could not be continued. Please start a new story."
)

// ErrEmit - событие не удалось передать клиенту. Соединение нужно закрыть.
var ErrEmit = errors.New("failed to emit event")

const publishTimeout = 5 * time.Second

// Emitter доставляет события движка одному клиенту.
type Emitter interface {
	Emit(msg protocol.Message) error
}

// Config - параметры повествования.
type Config struct {
	Mode               string
	DecisionsPerStory  int
	OptionsPerDecision int
	StepTimeout        time.Duration
	ContextTokenLimit  int
	Params             ai.Params
}

// NewConfig собирает Config из настроек сервера.
func NewConfig(engineCfg config.EngineConfig, aiCfg config.AIConfig) Config {
	return Config{
		Mode:               engineCfg.Mode,
		DecisionsPerStory:  engineCfg.DecisionsPerStory,
		OptionsPerDecision: engineCfg.OptionsPerDecision,
		StepTimeout:        engineCfg.StepTimeout,
		ContextTokenLimit:  aiCfg.ContextTokenLimit,
		Params:             ai.Params{Temperature: aiCfg.Temperature, MaxTokens: aiCfg.MaxTokens},
	}
}

// Engine ведет истории: генерирует точки решения и текст, хранит граф истории.
// Engine не хранит состояние соединений и безопасен для общего использования.
type Engine struct {
	repo      repository.StoryGraphRepository
	ai        ai.Client
	counter   ai.TokenCounter
	publisher messaging.Publisher
	cfg       Config
	logger    *zap.Logger
	newID     func() string
}

// New создает движок.
func New(
	repo repository.StoryGraphRepository,
	client ai.Client,
	counter ai.TokenCounter,
	publisher messaging.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.DecisionsPerStory < 1 {
		cfg.DecisionsPerStory = 1
	}
	return &Engine{
		repo:      repo,
		ai:        client,
		counter:   counter,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("Engine"),
		newID:     uuid.NewString,
	}
}

func (e *Engine) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StepTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.StepTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) generateChoices(ctx context.Context, messages []ai.Message) (string, []string, error) {
	reply, _, err := e.ai.Generate(ctx, messages, e.cfg.Params)
	if err != nil {
		return "", nil, err
	}
	return ParseChoices(reply, e.cfg.OptionsPerDecision)
}

func (e *Engine) generateQuestion(ctx context.Context, messages []ai.Message) (string, error) {
	reply, _, err := e.ai.Generate(ctx, messages, e.cfg.Params)
	if err != nil {
		return "", err
	}
	return ParseQuestion(reply)
}

// storyContext возвращает свежие узлы истории в пределах бюджета токенов.
func (e *Engine) storyContext(ctx context.Context, storyID string) ([]string, error) {
	parts, err := e.repo.StoryContext(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return ai.FitRecent(e.counter, parts, e.cfg.ContextTokenLimit), nil
}

func (e *Engine) publish(ctx context.Context, event messaging.LifecycleEvent) {
	// Публикация не должна срываться из-за истекшего шага
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(pubCtx, event); err != nil {
		e.logger.Warn("Failed to publish lifecycle event",
			zap.String("type", string(event.Type)), zap.String("storyID", event.StoryID), zap.Error(err))
	}
}

// storyState - состояние истории внутри одного соединения.
type storyState struct {
	mode     string
	offered  []string // варианты текущей точки выбора, nil если выбор не ожидается
	finished bool
}

// Conversation - истории одного соединения. Не потокобезопасна:
// события соединения обрабатываются последовательно.
type Conversation struct {
	engine  *Engine
	emitter Emitter
	logger  *zap.Logger
	stories map[string]*storyState
}

// NewConversation создает состояние для нового соединения.
func (e *Engine) NewConversation(connID string, emitter Emitter) *Conversation {
	return &Conversation{
		engine:  e,
		emitter: emitter,
		logger:  e.logger.With(zap.String("connID", connID)),
		stories: make(map[string]*storyState),
	}
}

// Handle обрабатывает событие клиента до конца, включая потоковую передачу.
// Ошибка возвращается только если клиенту уже ничего нельзя доставить (ErrEmit),
// остальные сбои сообщаются клиенту событием error.
func (c *Conversation) Handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.StartStoryPayload:
		return c.startStory(ctx)
	case protocol.MakeChoicePayload:
		return c.makeChoice(ctx, m)
	case protocol.UserResponsePayload:
		return c.userResponse(ctx, m)
	case nil:
		return c.reject("nil_event", MsgInvalidData, zap.String("event", "nil"))
	default:
		return c.reject("unexpected_event", MsgInvalidData, zap.String("event", string(msg.Event())))
	}
}

// Reject сообщает клиенту о событии, которое не удалось декодировать.
func (c *Conversation) Reject(cause error) error {
	return c.reject("malformed_event", MsgInvalidData, zap.Error(cause))
}

// Close отмечает незавершенные истории соединения как брошенные.
func (c *Conversation) Close(ctx context.Context) {
	for id, st := range c.stories {
		if st.finished {
			continue
		}
		st.finished = true
		metrics.StoriesFinished.WithLabelValues(metrics.OutcomeAbandoned).Inc()
		ev := messaging.NewLifecycleEvent(messaging.EventStoryFailed, id)
		ev.Mode = st.mode
		ev.Reason = "connection closed"
		c.engine.publish(ctx, ev)
		c.logger.Info("Story abandoned", zap.String("storyID", id))
	}
}

func (c *Conversation) emit(msg protocol.Message) error {
	if err := c.emitter.Emit(msg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEmit, msg.Event(), err)
	}
	return nil
}

func (c *Conversation) reject(reason, message string, fields ...zap.Field) error {
	metrics.RejectedEvents.WithLabelValues(reason).Inc()
	c.logger.Warn("Client event rejected", append(fields, zap.String("reason", reason))...)
	return c.emit(protocol.ErrorPayload{Message: message})
}

// failStory завершает историю с ошибкой. Клиент считает событие error фатальным,
// поэтому история закрывается и на стороне движка.
func (c *Conversation) failStory(ctx context.Context, storyID string, st *storyState, cause error, message string) error {
	st.finished = true
	st.offered = nil
	metrics.StoriesFinished.WithLabelValues(metrics.OutcomeFailed).Inc()
	c.logger.Error("Story failed", zap.String("storyID", storyID), zap.Error(cause))

	ev := messaging.NewLifecycleEvent(messaging.EventStoryFailed, storyID)
	ev.Mode = st.mode
	ev.Reason = cause.Error()
	c.engine.publish(ctx, ev)

	return c.emit(protocol.ErrorPayload{Message: message})
}

func (c *Conversation) startStory(ctx context.Context) error {
	e := c.engine
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	storyID := e.newID()
	log := c.logger.With(zap.String("storyID", storyID), zap.String("mode", e.cfg.Mode))
	st := &storyState{mode: e.cfg.Mode}
	rootContent := storyIntro

	var decision protocol.Message
	switch e.cfg.Mode {
	case config.EngineModeFreeform:
		question, err := e.generateQuestion(ctx, openingQuestionPrompt())
		if err != nil {
			log.Error("Failed to generate opening question", zap.Error(err))
			return c.emit(protocol.ErrorPayload{Message: MsgStartFailed})
		}
		rootContent += "\nNarrator asked: " + question
		decision = protocol.LLMQuestionPayload{StoryID: storyID, CurrentNodeID: repository.RootNodeID, Question: question}
	default:
		choiceType, options, err := e.generateChoices(ctx, initialChoicesPrompt(e.cfg.OptionsPerDecision))
		if err != nil {
			log.Error("Failed to generate initial choices", zap.Error(err))
			return c.emit(protocol.ErrorPayload{Message: MsgStartFailed})
		}
		rootContent += fmt.Sprintf("\nFirst decision (%s): %s", choiceType, strings.Join(options, "; "))
		st.offered = options
		decision = protocol.InitialChoicesPayload{
			StoryID:       storyID,
			CurrentNodeID: repository.RootNodeID,
			ChoiceType:    choiceType,
			Choices:       options,
		}
	}

	if err := e.repo.CreateStory(ctx, storyID, rootContent); err != nil {
		log.Error("Failed to create story", zap.Error(err))
		return c.emit(protocol.ErrorPayload{Message: MsgStartFailed})
	}
	c.stories[storyID] = st
	metrics.StoriesStarted.Inc()
	log.Info("Story started")

	ev := messaging.NewLifecycleEvent(messaging.EventStoryStarted, storyID).AtNode(repository.RootNodeID)
	ev.Mode = st.mode
	e.publish(ctx, ev)

	return c.emit(decision)
}

// activeStory находит незавершенную историю соединения.
func (c *Conversation) activeStory(storyID string) (*storyState, bool) {
	st, ok := c.stories[storyID]
	if !ok || st.finished {
		return nil, false
	}
	return st, true
}

func (c *Conversation) makeChoice(ctx context.Context, m protocol.MakeChoicePayload) error {
	if strings.TrimSpace(m.StoryID) == "" || m.UserChoice == "" {
		return c.reject("invalid_data", MsgInvalidData, zap.String("event", string(m.Event())))
	}
	st, ok := c.activeStory(m.StoryID)
	if !ok {
		return c.reject("unknown_story", MsgInvalidData, zap.String("storyID", m.StoryID))
	}
	if st.mode != config.EngineModeChoice || st.offered == nil {
		return c.failStory(ctx, m.StoryID, st, fmt.Errorf("make_choice in %s story", st.mode), MsgInvalidData)
	}
	if !slices.Contains(st.offered, m.UserChoice) {
		return c.failStory(ctx, m.StoryID, st, fmt.Errorf("choice %q was not offered", m.UserChoice), MsgInvalidData)
	}
	return c.advance(ctx, m.StoryID, st, step{
		nodeID:   m.CurrentNodeID,
		edgeText: m.UserChoice,
		line:     "User chose: " + m.UserChoice,
		kind:     "choice",
	})
}

func (c *Conversation) userResponse(ctx context.Context, m protocol.UserResponsePayload) error {
	input := strings.TrimSpace(m.UserInput)
	if strings.TrimSpace(m.StoryID) == "" || input == "" {
		return c.reject("invalid_data", MsgInvalidData, zap.String("event", string(m.Event())))
	}
	st, ok := c.activeStory(m.StoryID)
	if !ok {
		return c.reject("unknown_story", MsgInvalidData, zap.String("storyID", m.StoryID))
	}
	if st.mode != config.EngineModeFreeform {
		return c.failStory(ctx, m.StoryID, st, fmt.Errorf("user_response in %s story", st.mode), MsgInvalidData)
	}
	return c.advance(ctx, m.StoryID, st, step{
		nodeID:   m.CurrentNodeID,
		edgeText: input,
		line:     "User answered: " + input,
		kind:     "freeform",
	})
}

// step - принятое решение пользователя.
type step struct {
	nodeID   protocol.NodeID
	edgeText string
	line     string
	kind     string
}

// advance продолжает историю после решения: потоковый текст, новый узел,
// затем следующая точка решения или финал.
func (c *Conversation) advance(ctx context.Context, storyID string, st *storyState, s step) error {
	e := c.engine
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	head, err := e.repo.Head(ctx, storyID)
	if err != nil {
		return c.failStory(ctx, storyID, st, fmt.Errorf("read head: %w", err), MsgGenerationFailed)
	}
	if head != s.nodeID {
		return c.failStory(ctx, storyID, st, fmt.Errorf("stale node %d, head is %d", s.nodeID, head), MsgStaleDecision)
	}
	st.offered = nil

	parts, err := e.storyContext(ctx, storyID)
	if err != nil {
		return c.failStory(ctx, storyID, st, fmt.Errorf("read story context: %w", err), MsgGenerationFailed)
	}

	var passage strings.Builder
	var emitErr error
	_, err = e.ai.Stream(ctx, continuationPrompt(parts, s.line), e.cfg.Params, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		passage.WriteString(chunk)
		if err := c.emit(protocol.StoryUpdatePayload{Content: chunk}); err != nil {
			emitErr = err
			return err
		}
		metrics.FragmentsStreamed.Inc()
		return nil
	})
	if emitErr != nil {
		return emitErr
	}
	if err != nil {
		return c.failStory(ctx, storyID, st, fmt.Errorf("stream continuation: %w", err), MsgGenerationFailed)
	}
	metrics.DecisionsTotal.WithLabelValues(s.kind).Inc()

	content := s.line + "\n" + strings.TrimSpace(passage.String())
	if int(head)+1 >= e.cfg.DecisionsPerStory {
		return c.finish(ctx, storyID, st, head, content, s.edgeText)
	}

	switch st.mode {
	case config.EngineModeFreeform:
		question, err := e.generateQuestion(ctx, nextQuestionPrompt(parts, content))
		if err != nil {
			return c.failStory(ctx, storyID, st, fmt.Errorf("generate question: %w", err), MsgGenerationFailed)
		}
		nodeID, err := c.record(ctx, storyID, head, content+"\nNarrator asked: "+question, s.edgeText, true)
		if err != nil {
			return c.failStory(ctx, storyID, st, err, MsgGenerationFailed)
		}
		c.publishDecision(ctx, storyID, st, nodeID)
		return c.emit(protocol.LLMQuestionPayload{StoryID: storyID, CurrentNodeID: nodeID, Question: question})
	default:
		choiceType, options, err := e.generateChoices(ctx, nextChoicesPrompt(parts, content, e.cfg.OptionsPerDecision))
		if err != nil {
			return c.failStory(ctx, storyID, st, fmt.Errorf("generate choices: %w", err), MsgGenerationFailed)
		}
		nodeID, err := c.record(ctx, storyID, head, content, s.edgeText, true)
		if err != nil {
			return c.failStory(ctx, storyID, st, err, MsgGenerationFailed)
		}
		st.offered = options
		c.publishDecision(ctx, storyID, st, nodeID)
		return c.emit(protocol.NextChoicesPayload{CurrentNodeID: nodeID, NextChoiceType: choiceType, Choices: options})
	}
}

// publishDecision сообщает о новой точке решения.
func (c *Conversation) publishDecision(ctx context.Context, storyID string, st *storyState, nodeID protocol.NodeID) {
	ev := messaging.NewLifecycleEvent(messaging.EventStoryDecision, storyID).AtNode(nodeID)
	ev.Mode = st.mode
	c.engine.publish(ctx, ev)
}

// record сохраняет узел решения и ребро из head. Операции не атомарны: при ошибке
// CreateEdge узел остается без входящего ребра, но история сразу проваливается
// и больше не продолжается.
func (c *Conversation) record(ctx context.Context, storyID string, head protocol.NodeID, content, edgeText string, choicePoint bool) (protocol.NodeID, error) {
	nodeID, err := c.engine.repo.CreateNode(ctx, storyID, content, choicePoint)
	if err != nil {
		return 0, fmt.Errorf("create node: %w", err)
	}
	if err := c.engine.repo.CreateEdge(ctx, storyID, head, nodeID, edgeText); err != nil {
		return 0, fmt.Errorf("create edge %d->%d: %w", head, nodeID, err)
	}
	return nodeID, nil
}

func (c *Conversation) finish(ctx context.Context, storyID string, st *storyState, head protocol.NodeID, content, edgeText string) error {
	e := c.engine
	nodeID, err := c.record(ctx, storyID, head, content, edgeText, false)
	if err != nil {
		return c.failStory(ctx, storyID, st, err, MsgGenerationFailed)
	}
	parts, err := e.storyContext(ctx, storyID)
	if err != nil {
		return c.failStory(ctx, storyID, st, fmt.Errorf("read story context: %w", err), MsgGenerationFailed)
	}
	ending, _, err := e.ai.Generate(ctx, finalStoryPrompt(parts), e.cfg.Params)
	if err != nil {
		return c.failStory(ctx, storyID, st, fmt.Errorf("generate ending: %w", err), MsgGenerationFailed)
	}

	st.finished = true
	metrics.StoriesFinished.WithLabelValues(metrics.OutcomeCompleted).Inc()
	c.logger.Info("Story completed", zap.String("storyID", storyID), zap.Int64("nodeID", int64(nodeID)))

	ev := messaging.NewLifecycleEvent(messaging.EventStoryCompleted, storyID).AtNode(nodeID)
	ev.Mode = st.mode
	e.publish(ctx, ev)

	return c.emit(protocol.FinalStoryPayload{Content: strings.TrimSpace(ending)})
}
