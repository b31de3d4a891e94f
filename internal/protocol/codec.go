package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocolViolation - входящее сообщение структурно некорректно.
var ErrProtocolViolation = errors.New("protocol violation")

// Envelope - формат одного текстового кадра WebSocket.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode упаковывает сообщение в конверт.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("protocol: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msg.Event(), err)
	}
	return json.Marshal(Envelope{Event: msg.Event(), Data: data})
}

// DecodeServerEvent разбирает сообщение движка на стороне клиента.
// Контроллер сессии никогда не получает сообщение, не прошедшее эту проверку.
func DecodeServerEvent(raw []byte) (Message, error) {
	return decode(raw, EventName.IsServerEvent)
}

// DecodeClientEvent разбирает сообщение клиента на стороне движка.
func DecodeClientEvent(raw []byte) (Message, error) {
	return decode(raw, EventName.IsClientEvent)
}

func decode(raw []byte, allowed func(EventName) bool) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrProtocolViolation, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrProtocolViolation)
	}
	if !allowed(env.Event) {
		return nil, fmt.Errorf("%w: unexpected event %q", ErrProtocolViolation, env.Event)
	}

	fields, err := dataFields(env)
	if err != nil {
		return nil, err
	}
	for _, name := range requiredFields[env.Event] {
		value, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			return nil, fmt.Errorf("%w: %s: missing field %q", ErrProtocolViolation, env.Event, name)
		}
	}

	payload := newPayload(env.Event)
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, env.Event, err)
		}
	}
	msg := deref(payload)
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocolViolation, env.Event, err)
	}
	return msg, nil
}

func dataFields(env Envelope) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fields, nil
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s: data is not an object", ErrProtocolViolation, env.Event)
	}
	return fields, nil
}

// validate проверяет значения, которые JSON не может выразить типом.
func validate(msg Message) error {
	switch m := msg.(type) {
	case MakeChoicePayload:
		if m.StoryID == "" {
			return errors.New("empty story_id")
		}
	case UserResponsePayload:
		if m.StoryID == "" {
			return errors.New("empty story_id")
		}
	case InitialChoicesPayload:
		if m.StoryID == "" {
			return errors.New("empty story_id")
		}
	case LLMQuestionPayload:
		if m.StoryID == "" {
			return errors.New("empty story_id")
		}
	}
	return nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *StartStoryPayload:
		return *m
	case *MakeChoicePayload:
		return *m
	case *UserResponsePayload:
		return *m
	case *InitialChoicesPayload:
		return *m
	case *LLMQuestionPayload:
		return *m
	case *StoryUpdatePayload:
		return *m
	case *NextChoicesPayload:
		return *m
	case *FinalStoryPayload:
		return *m
	case *ErrorPayload:
		return *m
	}
	return msg
}
