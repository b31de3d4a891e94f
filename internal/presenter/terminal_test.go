package presenter_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"novel-stream/internal/presenter"
	"novel-stream/internal/protocol"
	"novel-stream/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockIntents struct {
	mock.Mock
	updates chan session.Snapshot
	done    chan struct{}
}

func newMockIntents() *mockIntents {
	return &mockIntents{updates: make(chan session.Snapshot, 1), done: make(chan struct{})}
}

func (m *mockIntents) Begin(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockIntents) Choose(ctx context.Context, option string) error {
	return m.Called(option).Error(0)
}

func (m *mockIntents) Answer(ctx context.Context, text string) error {
	return m.Called(text).Error(0)
}

func (m *mockIntents) Updates() <-chan session.Snapshot { return m.updates }
func (m *mockIntents) Done() <-chan struct{}            { return m.done }

func node(n protocol.NodeID) *protocol.NodeID { return &n }

func choiceSnapshot() session.Snapshot {
	return session.Snapshot{
		Mode:      session.ModeAwaitingChoice,
		SessionID: "s-1",
		NodeID:    node(0),
		Decision:  session.ChoiceSet{ChoiceType: "path", Options: []string{"left", "right"}},
	}
}

func TestTerminal_RendersChoicesOnce(t *testing.T) {
	var out bytes.Buffer
	term := presenter.NewTerminal(newMockIntents(), &out)

	term.Render(choiceSnapshot())
	term.Render(choiceSnapshot())

	assert.Equal(t, 1, strings.Count(out.String(), "Choose path:"))
	assert.Contains(t, out.String(), "  1) left\n  2) right\n")
}

func TestTerminal_SelectByNumberOrText(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"2", "right"},
		{"left", "left"},
		{"7", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			intents := newMockIntents()
			intents.On("Choose", tt.want).Return(nil).Once()
			term := presenter.NewTerminal(intents, &bytes.Buffer{})
			term.Render(choiceSnapshot())

			assert.False(t, term.HandleLine(context.Background(), tt.input))
			intents.AssertExpectations(t)
		})
	}
}

func TestTerminal_InvalidChoiceReprompts(t *testing.T) {
	var out bytes.Buffer
	intents := newMockIntents()
	intents.On("Choose", "up").Return(session.ErrInvalidChoice).Once()
	term := presenter.NewTerminal(intents, &out)
	term.Render(choiceSnapshot())

	term.HandleLine(context.Background(), "up")

	assert.Contains(t, out.String(), "Please pick one of the listed options.")
	intents.AssertExpectations(t)
}

func TestTerminal_FreeformEchoesQuestionAndAnswer(t *testing.T) {
	var out bytes.Buffer
	intents := newMockIntents()
	intents.On("Answer", "  a knight ").Return(nil).Once()
	intents.On("Answer", "").Return(session.ErrEmptyInput).Once()
	term := presenter.NewTerminal(intents, &out)

	term.Render(session.Snapshot{
		Mode:      session.ModeAwaitingFreeform,
		SessionID: "s-1",
		NodeID:    node(0),
		Decision:  session.OpenQuestion{Prompt: "Who is the hero?"},
	})
	term.HandleLine(context.Background(), "")
	term.HandleLine(context.Background(), "  a knight ")

	text := out.String()
	assert.Contains(t, text, "\nLLM: Who is the hero?\n")
	assert.Contains(t, text, "The answer cannot be empty.")
	assert.Contains(t, text, "\nYou: a knight\n")
	intents.AssertExpectations(t)
}

func TestTerminal_StreamsFragmentsIncrementally(t *testing.T) {
	var out bytes.Buffer
	term := presenter.NewTerminal(newMockIntents(), &out)

	snap := session.Snapshot{Mode: session.ModeStreaming, SessionID: "s-1", NodeID: node(0), Fragments: []string{"Once upon a time, "}}
	term.Render(snap)
	snap.Fragments = append(snap.Fragments, "a hero emerged.")
	term.Render(snap)
	snap.Fragments = append(snap.Fragments, session.EndMarker, "They lived happily.")
	snap.Mode = session.ModeCompleted
	term.Render(snap)

	assert.Equal(t, 1, strings.Count(out.String(), "Once upon a time, "))
	assert.Contains(t, out.String(), "Once upon a time, a hero emerged."+session.EndMarker+"They lived happily.")
	assert.Contains(t, out.String(), "for a new story")
}

func TestTerminal_StartGating(t *testing.T) {
	t.Run("start is refused while streaming", func(t *testing.T) {
		var out bytes.Buffer
		intents := newMockIntents()
		term := presenter.NewTerminal(intents, &out)
		term.Render(session.Snapshot{Mode: session.ModeStreaming, SessionID: "s-1", NodeID: node(1)})

		term.HandleLine(context.Background(), "start")

		intents.AssertNotCalled(t, "Begin")
		assert.Contains(t, out.String(), "please wait")
	})

	t.Run("start after failure shows error and begins", func(t *testing.T) {
		var out bytes.Buffer
		intents := newMockIntents()
		intents.On("Begin").Return(nil).Once()
		term := presenter.NewTerminal(intents, &out)
		term.Render(session.Snapshot{Mode: session.ModeFailed, SessionID: "s-1", NodeID: node(1), Fragments: []string{"partial"}, FailureMessage: "boom"})

		term.HandleLine(context.Background(), "START")
		term.HandleLine(context.Background(), "start")

		assert.Contains(t, out.String(), "partial")
		assert.Contains(t, out.String(), "\nError: boom\n")
		assert.Contains(t, out.String(), "The story is starting")
		intents.AssertExpectations(t)
	})
}

func TestTerminal_RunQuitsAndStopsWithClient(t *testing.T) {
	t.Run("quit", func(t *testing.T) {
		term := presenter.NewTerminal(newMockIntents(), &bytes.Buffer{})
		require.NoError(t, term.Run(context.Background(), strings.NewReader("quit\n")))
	})

	t.Run("client stopped", func(t *testing.T) {
		var out bytes.Buffer
		intents := newMockIntents()
		intents.updates <- session.Snapshot{Mode: session.ModeFailed, SessionID: "s-1", NodeID: node(0), FailureMessage: session.DisconnectMessage}
		close(intents.done)

		block, unblock := io.Pipe()
		defer unblock.Close()
		require.NoError(t, presenter.NewTerminal(intents, &out).Run(context.Background(), block))
		assert.Contains(t, out.String(), "Disconnected from the story server.")
	})
}
