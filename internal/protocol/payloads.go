package protocol

// Message - полезная нагрузка одного события протокола.
type Message interface {
	Event() EventName
}

// StartStoryPayload запрашивает новую историю. Полей нет.
type StartStoryPayload struct{}

// MakeChoicePayload - выбор одного из предложенных вариантов.
type MakeChoicePayload struct {
	StoryID       string `json:"story_id"`
	CurrentNodeID NodeID `json:"current_node_id"`
	UserChoice    string `json:"user_choice"`
}

// UserResponsePayload - свободный ответ пользователя на вопрос движка.
type UserResponsePayload struct {
	StoryID       string `json:"story_id"`
	CurrentNodeID NodeID `json:"current_node_id"`
	UserInput     string `json:"user_input"`
}

// InitialChoicesPayload - первая точка выбора новой истории.
type InitialChoicesPayload struct {
	StoryID       string   `json:"story_id"`
	CurrentNodeID NodeID   `json:"current_node_id"`
	ChoiceType    string   `json:"choice_type"`
	Choices       []string `json:"choices"`
}

// LLMQuestionPayload - открытый вопрос движка (начальный или очередной).
type LLMQuestionPayload struct {
	StoryID       string `json:"story_id"`
	CurrentNodeID NodeID `json:"current_node_id"`
	Question      string `json:"question"`
}

// StoryUpdatePayload - очередной фрагмент потокового текста.
type StoryUpdatePayload struct {
	Content string `json:"content"`
}

// NextChoicesPayload - следующая точка выбора. story_id не передается.
type NextChoicesPayload struct {
	CurrentNodeID  NodeID   `json:"current_node_id"`
	NextChoiceType string   `json:"next_choice_type"`
	Choices        []string `json:"choices"`
}

// FinalStoryPayload - завершающий текст истории.
type FinalStoryPayload struct {
	Content string `json:"content"`
}

// ErrorPayload - ошибка движка, фатальная для текущей сессии.
type ErrorPayload struct {
	Message string `json:"message"`
}

func (StartStoryPayload) Event() EventName     { return EventStartStory }
func (MakeChoicePayload) Event() EventName     { return EventMakeChoice }
func (UserResponsePayload) Event() EventName   { return EventUserResponse }
func (InitialChoicesPayload) Event() EventName { return EventInitialChoices }
func (LLMQuestionPayload) Event() EventName    { return EventLLMQuestion }
func (StoryUpdatePayload) Event() EventName    { return EventStoryUpdate }
func (NextChoicesPayload) Event() EventName    { return EventNextChoices }
func (FinalStoryPayload) Event() EventName     { return EventFinalStory }
func (ErrorPayload) Event() EventName          { return EventError }

// requiredFields перечисляет обязательные поля data для каждого события.
var requiredFields = map[EventName][]string{
	EventStartStory:     nil,
	EventMakeChoice:     {"story_id", "current_node_id", "user_choice"},
	EventUserResponse:   {"story_id", "current_node_id", "user_input"},
	EventInitialChoices: {"story_id", "current_node_id", "choice_type", "choices"},
	EventLLMQuestion:    {"story_id", "current_node_id", "question"},
	EventStoryUpdate:    {"content"},
	EventNextChoices:    {"current_node_id", "next_choice_type", "choices"},
	EventFinalStory:     {"content"},
	EventError:          {"message"},
}

func newPayload(event EventName) Message {
	switch event {
	case EventStartStory:
		return &StartStoryPayload{}
	case EventMakeChoice:
		return &MakeChoicePayload{}
	case EventUserResponse:
		return &UserResponsePayload{}
	case EventInitialChoices:
		return &InitialChoicesPayload{}
	case EventLLMQuestion:
		return &LLMQuestionPayload{}
	case EventStoryUpdate:
		return &StoryUpdatePayload{}
	case EventNextChoices:
		return &NextChoicesPayload{}
	case EventFinalStory:
		return &FinalStoryPayload{}
	case EventError:
		return &ErrorPayload{}
	}
	return nil
}
