package messaging

import (
	"time"

	"novel-stream/internal/protocol"
)

// EventType - тип события жизненного цикла истории. Используется как routing key.
type EventType string

const (
	EventStoryStarted   EventType = "story.started"
	EventStoryDecision  EventType = "story.decision"
	EventStoryCompleted EventType = "story.completed"
	EventStoryFailed    EventType = "story.failed"
)

// LifecycleEvent - событие жизненного цикла истории для внешних потребителей.
type LifecycleEvent struct {
	Type       EventType        `json:"type"`
	StoryID    string           `json:"story_id"`
	NodeID     *protocol.NodeID `json:"node_id,omitempty"`
	Mode       string           `json:"mode,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewLifecycleEvent заполняет время события.
func NewLifecycleEvent(eventType EventType, storyID string) LifecycleEvent {
	return LifecycleEvent{Type: eventType, StoryID: storyID, OccurredAt: time.Now().UTC()}
}

// AtNode возвращает копию события с узлом.
func (e LifecycleEvent) AtNode(id protocol.NodeID) LifecycleEvent {
	e.NodeID = &id
	return e
}
