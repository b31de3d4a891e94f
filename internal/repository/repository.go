package repository

import (
	"context"
	"errors"
	"time"

	"novel-stream/internal/protocol"
)

// Ошибки хранилища графа истории.
var (
	ErrStoryNotFound = errors.New("story not found")
	ErrStoryExists   = errors.New("story already exists")
	ErrNodeNotFound  = errors.New("node not found")
)

// RootNodeID - корневой узел любой истории.
const RootNodeID protocol.NodeID = 0

// Node - узел графа истории. ID последовательны внутри истории, корень равен 0.
type Node struct {
	StoryID       string          `db:"story_id" json:"story_id"`
	ID            protocol.NodeID `db:"node_id" json:"node_id"`
	Content       string          `db:"content" json:"content"`
	IsChoicePoint bool            `db:"is_choice_point" json:"is_choice_point"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Choice - ребро CHOICE из узла.
type Choice struct {
	Text       string          `db:"choice_text" json:"choice_text"`
	NextNodeID protocol.NodeID `db:"next_node_id" json:"next_node_id"`
}

// StoryGraphRepository хранит историю как граф узлов, связанных выбором пользователя.
type StoryGraphRepository interface {
	// CreateStory создает историю с корневым узлом rootContent.
	CreateStory(ctx context.Context, storyID, rootContent string) error
	// CreateNode добавляет узел и возвращает его ID (следующий после Head).
	CreateNode(ctx context.Context, storyID, content string, isChoicePoint bool) (protocol.NodeID, error)
	// CreateEdge связывает два узла истории выбором choiceText.
	CreateEdge(ctx context.Context, storyID string, from, to protocol.NodeID, choiceText string) error
	// Choices возвращает исходящие ребра узла в порядке создания.
	Choices(ctx context.Context, storyID string, nodeID protocol.NodeID) ([]Choice, error)
	// StoryContext возвращает содержимое всех узлов по возрастанию ID.
	StoryContext(ctx context.Context, storyID string) ([]string, error)
	// Head возвращает ID последнего созданного узла.
	Head(ctx context.Context, storyID string) (protocol.NodeID, error)
}
