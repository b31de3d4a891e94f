package presenter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"novel-stream/internal/session"
)

// Intents - то, что терминал может попросить у клиента.
type Intents interface {
	Begin(ctx context.Context) error
	Choose(ctx context.Context, option string) error
	Answer(ctx context.Context, text string) error
	Updates() <-chan session.Snapshot
	Done() <-chan struct{}
}

// Команды терминала
const (
	cmdStart = "start"
	cmdQuit  = "quit"
)

// Terminal рисует состояние сессии в текстовый поток и превращает
// строки ввода в намерения. Идентификаторы истории и узла не трогает.
type Terminal struct {
	intents Intents
	out     io.Writer

	last        session.Snapshot
	printed     int    // сколько фрагментов уже выведено
	sessionID   string // сессия, к которой относится printed
	decisionKey string // последняя показанная точка решения
	shownFinal  bool
	shownError  string
}

// NewTerminal создает презентер поверх клиента.
func NewTerminal(intents Intents, out io.Writer) *Terminal {
	return &Terminal{intents: intents, out: out, last: session.Snapshot{Mode: session.ModeIdle}}
}

// Run читает строки из in и обновления клиента до quit, EOF или остановки клиента.
func (t *Terminal) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	t.printf("Type '%s' to begin a story, '%s' to exit.\n", cmdStart, cmdQuit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-t.intents.Updates():
			t.Render(snap)
		case <-t.intents.Done():
			// Последний снимок мог остаться в канале
			select {
			case snap := <-t.intents.Updates():
				t.Render(snap)
			default:
			}
			t.printf("\nDisconnected from the story server.\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if t.HandleLine(ctx, line) {
				return nil
			}
		}
	}
}

// Render выводит изменения относительно предыдущего снимка.
func (t *Terminal) Render(snap session.Snapshot) {
	if snap.SessionID != t.sessionID || len(snap.Fragments) < t.printed {
		t.printed = 0
		t.sessionID = snap.SessionID
		t.decisionKey = ""
		t.shownFinal = false
	}
	if snap.Starting {
		t.shownError = ""
	}

	for _, f := range snap.Fragments[t.printed:] {
		t.printf("%s", f)
	}
	t.printed = len(snap.Fragments)

	switch d := snap.Decision.(type) {
	case session.ChoiceSet:
		key := decisionKey(snap)
		if key != t.decisionKey {
			t.decisionKey = key
			if d.ChoiceType != "" {
				t.printf("\n\nChoose %s:\n", d.ChoiceType)
			} else {
				t.printf("\n\nChoose:\n")
			}
			for i, opt := range d.Options {
				t.printf("  %d) %s\n", i+1, opt)
			}
			t.printf("> ")
		}
	case session.OpenQuestion:
		key := decisionKey(snap)
		if key != t.decisionKey {
			t.decisionKey = key
			t.printf("\nLLM: %s\n> ", d.Prompt)
		}
	}

	switch {
	case snap.Mode == session.ModeCompleted && !t.shownFinal:
		t.shownFinal = true
		t.printf("\n\nType '%s' for a new story or '%s' to exit.\n", cmdStart, cmdQuit)
	case snap.FailureMessage != "" && snap.FailureMessage != t.shownError && !snap.Starting:
		t.shownError = snap.FailureMessage
		t.printf("\nError: %s\nType '%s' to try again or '%s' to exit.\n", snap.FailureMessage, cmdStart, cmdQuit)
	}

	t.last = snap
}

func decisionKey(snap session.Snapshot) string {
	node := int64(-1)
	if snap.NodeID != nil {
		node = int64(*snap.NodeID)
	}
	return fmt.Sprintf("%s/%s/%d", snap.SessionID, snap.Mode, node)
}

// HandleLine обрабатывает одну строку ввода. Возвращает true для выхода.
func (t *Terminal) HandleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if strings.EqualFold(input, cmdQuit) || strings.EqualFold(input, "exit") {
		return true
	}

	switch t.last.Mode {
	case session.ModeAwaitingChoice:
		t.choose(ctx, input)
	case session.ModeAwaitingFreeform:
		t.answer(ctx, line)
	case session.ModeStreaming:
		t.printf("The story is being written, please wait.\n")
	default:
		if !strings.EqualFold(input, cmdStart) {
			t.printf("Type '%s' to begin a story.\n", cmdStart)
			return false
		}
		if !t.last.CanBegin() {
			t.printf("The story is starting, please wait.\n")
			return false
		}
		if err := t.intents.Begin(ctx); err != nil {
			t.printf("Error: %v\n", err)
			return false
		}
		// Старт отключается до первого снимка новой сессии
		t.last = session.Snapshot{Mode: session.ModeIdle, Starting: true}
	}
	return false
}

func (t *Terminal) choose(ctx context.Context, input string) {
	choices, _ := t.last.Decision.(session.ChoiceSet)
	option := input
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(choices.Options) {
		option = choices.Options[n-1]
	}

	err := t.intents.Choose(ctx, option)
	switch {
	case err == nil:
		t.last.Mode = session.ModeStreaming
		t.printf("\n")
	case errors.Is(err, session.ErrInvalidChoice):
		t.printf("Please pick one of the listed options.\n> ")
	default:
		t.printf("Error: %v\n", err)
	}
}

func (t *Terminal) answer(ctx context.Context, text string) {
	err := t.intents.Answer(ctx, text)
	switch {
	case err == nil:
		t.last.Mode = session.ModeStreaming
		t.printf("\nYou: %s\n", strings.TrimSpace(text))
	case errors.Is(err, session.ErrEmptyInput):
		t.printf("The answer cannot be empty.\n> ")
	default:
		t.printf("Error: %v\n", err)
	}
}

func (t *Terminal) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}
