package protocol

// EventName - имя события в конверте WebSocket сообщения.
type EventName string

// События клиент -> движок.
const (
	EventStartStory   EventName = "start_story"
	EventMakeChoice   EventName = "make_choice"
	EventUserResponse EventName = "user_response"
)

// События движок -> клиент.
const (
	EventInitialChoices EventName = "initial_choices"
	EventLLMQuestion    EventName = "llm_question"
	EventStoryUpdate    EventName = "story_update"
	EventNextChoices    EventName = "next_choices"
	EventFinalStory     EventName = "final_story"
	EventError          EventName = "error"
)

// IsClientEvent сообщает, может ли событие отправляться клиентом.
func (e EventName) IsClientEvent() bool {
	switch e {
	case EventStartStory, EventMakeChoice, EventUserResponse:
		return true
	}
	return false
}

// IsServerEvent сообщает, может ли событие отправляться движком.
func (e EventName) IsServerEvent() bool {
	switch e {
	case EventInitialChoices, EventLLMQuestion, EventStoryUpdate,
		EventNextChoices, EventFinalStory, EventError:
		return true
	}
	return false
}

// NodeID - позиция в графе истории на стороне движка.
// Клиент не интерпретирует значение, а только возвращает его обратно.
type NodeID int64
