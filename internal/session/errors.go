package session

import (
	"errors"

	"novel-stream/internal/protocol"
)

// Ошибки контроллера сессии. Проверяются через errors.Is.
var (
	// ErrInvalidState - операция недопустима в текущем режиме сессии.
	ErrInvalidState = errors.New("operation not allowed in current session state")
	// ErrProtocolViolation - входящее событие некорректно или устарело.
	ErrProtocolViolation = protocol.ErrProtocolViolation
	// ErrInvalidChoice - вариант не входит в текущий набор выбора.
	ErrInvalidChoice = errors.New("option is not part of the current choice set")
	// ErrEmptyInput - пустой ответ на открытый вопрос.
	ErrEmptyInput = errors.New("answer is empty")
	// ErrEngine - движок сообщил об ошибке.
	ErrEngine = errors.New("narrative engine error")
)

// genericFailureMessage показывается пользователю при нарушении протокола.
// Подробности остаются в логе.
const genericFailureMessage = "Unexpected response from the story server."

// DisconnectMessage - текст ошибки при потере соединения.
const DisconnectMessage = "connection lost"
