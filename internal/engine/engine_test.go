package engine_test

import (
	"context"
	"errors"
	"testing"

	"novel-stream/internal/config"
	"novel-stream/internal/engine"
	"novel-stream/internal/engine/ai"
	"novel-stream/internal/messaging"
	"novel-stream/internal/mocks"
	"novel-stream/internal/protocol"
	"novel-stream/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingEmitter struct {
	events []protocol.Message
	// failAt - номер события, начиная с которого Emit возвращает ошибку (0 - не падать).
	failAt int
}

func (r *recordingEmitter) Emit(msg protocol.Message) error {
	if r.failAt > 0 && len(r.events)+1 >= r.failAt {
		return errors.New("connection closed")
	}
	r.events = append(r.events, msg)
	return nil
}

func (r *recordingEmitter) last() protocol.Message {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type fixture struct {
	repo      *repository.MemoryRepository
	ai        *mocks.MockAIClient
	publisher *mocks.MockPublisher
	emitter   *recordingEmitter
	conv      *engine.Conversation
}

func newFixture(t *testing.T, mode string, decisions int) *fixture {
	t.Helper()
	f := &fixture{
		repo:      repository.NewMemoryRepository(),
		ai:        mocks.NewMockAIClient(t),
		publisher: mocks.NewMockPublisher(t),
		emitter:   &recordingEmitter{},
	}
	f.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()

	e := engine.New(f.repo, f.ai, ai.ApproxCounter{}, f.publisher, engine.Config{
		Mode:               mode,
		DecisionsPerStory:  decisions,
		OptionsPerDecision: 3,
		ContextTokenLimit:  1000,
	}, zap.NewNop())
	f.conv = e.NewConversation("conn-1", f.emitter)
	return f
}

func (f *fixture) generates(reply string) {
	f.ai.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(reply, ai.Usage{}, nil).Once()
}

func (f *fixture) streams(chunks ...string) {
	f.ai.On("Stream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onChunk := args.Get(3).(func(string) error)
			for _, c := range chunks {
				if err := onChunk(c); err != nil {
					return
				}
			}
		}).
		Return(ai.Usage{}, nil).Once()
}

func (f *fixture) eventTypes() []messaging.EventType {
	var types []messaging.EventType
	for _, ev := range f.publisher.Events() {
		types = append(types, ev.Type)
	}
	return types
}

// start открывает историю и возвращает ее ID.
func (f *fixture) start(t *testing.T) string {
	t.Helper()
	require.NoError(t, f.conv.Handle(context.Background(), protocol.StartStoryPayload{}))
	switch m := f.emitter.last().(type) {
	case protocol.InitialChoicesPayload:
		return m.StoryID
	case protocol.LLMQuestionPayload:
		return m.StoryID
	}
	t.Fatalf("unexpected first event %#v", f.emitter.last())
	return ""
}

func TestConversation_ChoiceStory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeChoice, 2)

	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)
	assert.NotEmpty(t, storyID)
	assert.Equal(t, protocol.InitialChoicesPayload{
		StoryID:       storyID,
		CurrentNodeID: 0,
		ChoiceType:    "path",
		Choices:       []string{"Left", "Right"},
	}, f.emitter.last())

	f.streams("You walk ", "left.")
	f.generates("TYPE: companion\n1. Owl\n2. Fox")
	require.NoError(t, f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 0, UserChoice: "Left"}))

	f.streams("The owl hoots.")
	f.generates("And so it ended.")
	require.NoError(t, f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 1, UserChoice: "Owl"}))

	assert.Equal(t, []protocol.Message{
		f.emitter.events[0],
		protocol.StoryUpdatePayload{Content: "You walk "},
		protocol.StoryUpdatePayload{Content: "left."},
		protocol.NextChoicesPayload{CurrentNodeID: 1, NextChoiceType: "companion", Choices: []string{"Owl", "Fox"}},
		protocol.StoryUpdatePayload{Content: "The owl hoots."},
		protocol.FinalStoryPayload{Content: "And so it ended."},
	}, f.emitter.events)

	parts, err := f.repo.StoryContext(ctx, storyID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, "User chose: Left\nYou walk left.", parts[1])
	assert.Equal(t, "User chose: Owl\nThe owl hoots.", parts[2])

	choices, err := f.repo.Choices(ctx, storyID, 0)
	require.NoError(t, err)
	assert.Equal(t, []repository.Choice{{Text: "Left", NextNodeID: 1}}, choices)

	assert.Equal(t, []messaging.EventType{
		messaging.EventStoryStarted,
		messaging.EventStoryDecision,
		messaging.EventStoryCompleted,
	}, f.eventTypes())

	// История завершена: дальнейшие решения отвергаются
	require.NoError(t, f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 2, UserChoice: "Fox"}))
	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgInvalidData}, f.emitter.last())
}

func TestConversation_FreeformStory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeFreeform, 2)

	f.generates("\"Who are you?\"")
	storyID := f.start(t)
	assert.Equal(t, protocol.LLMQuestionPayload{StoryID: storyID, CurrentNodeID: 0, Question: "Who are you?"}, f.emitter.last())

	// Пустой ответ отвергается, история продолжается
	require.NoError(t, f.conv.Handle(ctx, protocol.UserResponsePayload{StoryID: storyID, CurrentNodeID: 0, UserInput: "   "}))
	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgInvalidData}, f.emitter.last())

	f.streams("You are a knight.")
	f.generates("Where do you go?")
	require.NoError(t, f.conv.Handle(ctx, protocol.UserResponsePayload{StoryID: storyID, CurrentNodeID: 0, UserInput: " a knight "}))
	assert.Equal(t, protocol.LLMQuestionPayload{StoryID: storyID, CurrentNodeID: 1, Question: "Where do you go?"}, f.emitter.last())

	f.streams("You ride north.")
	f.generates("The realm is saved.")
	require.NoError(t, f.conv.Handle(ctx, protocol.UserResponsePayload{StoryID: storyID, CurrentNodeID: 1, UserInput: "north"}))
	assert.Equal(t, protocol.FinalStoryPayload{Content: "The realm is saved."}, f.emitter.last())

	parts, err := f.repo.StoryContext(ctx, storyID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Contains(t, parts[0], "Narrator asked: Who are you?")
	assert.Equal(t, "User answered: a knight\nYou are a knight.\nNarrator asked: Where do you go?", parts[1])

	choices, err := f.repo.Choices(ctx, storyID, 0)
	require.NoError(t, err)
	assert.Equal(t, []repository.Choice{{Text: "a knight", NextNodeID: 1}}, choices)
}

func TestConversation_RejectsInvalidData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeChoice, 3)
	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)

	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{"empty story id", protocol.MakeChoicePayload{CurrentNodeID: 0, UserChoice: "Left"}},
		{"empty choice", protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 0}},
		{"unknown story", protocol.MakeChoicePayload{StoryID: "other", CurrentNodeID: 0, UserChoice: "Left"}},
		{"server event", protocol.FinalStoryPayload{Content: "x"}},
		{"nil event", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, f.conv.Handle(ctx, tt.msg))
			assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgInvalidData}, f.emitter.last())
		})
	}

	// Ничего из этого не сдвинуло историю
	head, err := f.repo.Head(ctx, storyID)
	require.NoError(t, err)
	assert.Equal(t, repository.RootNodeID, head)
	assert.Equal(t, []messaging.EventType{messaging.EventStoryStarted}, f.eventTypes())
}

func TestConversation_ChoiceNotOfferedFailsStory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeChoice, 3)
	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)

	require.NoError(t, f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 0, UserChoice: "Up"}))
	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgInvalidData}, f.emitter.last())
	assert.Equal(t, []messaging.EventType{messaging.EventStoryStarted, messaging.EventStoryFailed}, f.eventTypes())

	// Проваленная история больше не принимает решений
	require.NoError(t, f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 0, UserChoice: "Left"}))
	assert.Len(t, f.publisher.Events(), 2)
}

func TestConversation_WrongIntentForMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeChoice, 3)
	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)

	require.NoError(t, f.conv.Handle(ctx, protocol.UserResponsePayload{StoryID: storyID, CurrentNodeID: 0, UserInput: "Left"}))
	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgInvalidData}, f.emitter.last())
	assert.Equal(t, messaging.EventStoryFailed, f.publisher.Events()[1].Type)
}

func TestConversation_StaleNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeChoice, 3)
	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)

	require.NoError(t, f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 5, UserChoice: "Left"}))
	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgStaleDecision}, f.emitter.last())
	f.ai.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConversation_StartFailures(t *testing.T) {
	t.Run("generation error", func(t *testing.T) {
		f := newFixture(t, config.EngineModeChoice, 3)
		f.ai.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("", ai.Usage{}, ai.ErrGenerationFailed).Once()

		require.NoError(t, f.conv.Handle(context.Background(), protocol.StartStoryPayload{}))
		assert.Equal(t, []protocol.Message{protocol.ErrorPayload{Message: engine.MsgStartFailed}}, f.emitter.events)
		assert.Empty(t, f.publisher.Events())
	})

	t.Run("malformed choices", func(t *testing.T) {
		f := newFixture(t, config.EngineModeChoice, 3)
		f.generates("I cannot help with that.")

		require.NoError(t, f.conv.Handle(context.Background(), protocol.StartStoryPayload{}))
		assert.Equal(t, []protocol.Message{protocol.ErrorPayload{Message: engine.MsgStartFailed}}, f.emitter.events)
	})

	t.Run("empty question", func(t *testing.T) {
		f := newFixture(t, config.EngineModeFreeform, 3)
		f.generates("  ")

		require.NoError(t, f.conv.Handle(context.Background(), protocol.StartStoryPayload{}))
		assert.Equal(t, []protocol.Message{protocol.ErrorPayload{Message: engine.MsgStartFailed}}, f.emitter.events)
	})
}

func TestConversation_StreamFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeChoice, 3)
	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)

	f.ai.On("Stream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(ai.Usage{}, ai.ErrGenerationFailed).Once()
	require.NoError(t, f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 0, UserChoice: "Left"}))

	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgGenerationFailed}, f.emitter.last())
	events := f.publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, messaging.EventStoryFailed, events[1].Type)
	assert.Contains(t, events[1].Reason, "stream continuation")

	head, err := f.repo.Head(ctx, storyID)
	require.NoError(t, err)
	assert.Equal(t, repository.RootNodeID, head)
}

func TestConversation_EmitFailureStopsStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.EngineModeChoice, 3)
	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)
	f.emitter.failAt = 2

	f.streams("You walk ", "left.")
	err := f.conv.Handle(ctx, protocol.MakeChoicePayload{StoryID: storyID, CurrentNodeID: 0, UserChoice: "Left"})
	assert.ErrorIs(t, err, engine.ErrEmit)
	assert.Len(t, f.emitter.events, 1)

	// Узел не создан, следующая генерация не запрашивалась
	head, err := f.repo.Head(ctx, storyID)
	require.NoError(t, err)
	assert.Equal(t, repository.RootNodeID, head)
}

func TestConversation_CloseAbandonsActiveStories(t *testing.T) {
	f := newFixture(t, config.EngineModeChoice, 3)
	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)

	f.conv.Close(context.Background())

	events := f.publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, messaging.EventStoryFailed, events[1].Type)
	assert.Equal(t, storyID, events[1].StoryID)
	assert.Equal(t, "connection closed", events[1].Reason)

	// Повторное закрытие ничего не публикует
	f.conv.Close(context.Background())
	assert.Len(t, f.publisher.Events(), 2)
}

func TestConversation_PublishErrorDoesNotBreakStory(t *testing.T) {
	f := &fixture{
		repo:      repository.NewMemoryRepository(),
		ai:        mocks.NewMockAIClient(t),
		publisher: mocks.NewMockPublisher(t),
		emitter:   &recordingEmitter{},
	}
	f.publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	e := engine.New(f.repo, f.ai, ai.ApproxCounter{}, f.publisher, engine.Config{Mode: config.EngineModeChoice, DecisionsPerStory: 3}, zap.NewNop())
	f.conv = e.NewConversation("conn-1", f.emitter)

	f.generates("TYPE: path\n1. Left\n2. Right")
	storyID := f.start(t)
	assert.NotEmpty(t, storyID)
}
