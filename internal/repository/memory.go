package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"novel-stream/internal/protocol"
)

var _ StoryGraphRepository = (*MemoryRepository)(nil)

type memoryStory struct {
	nodes []Node
	edges map[protocol.NodeID][]Choice
}

// MemoryRepository - хранилище в памяти процесса. Данные теряются при рестарте.
type MemoryRepository struct {
	mu      sync.RWMutex
	stories map[string]*memoryStory
	now     func() time.Time
}

// NewMemoryRepository создает пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		stories: make(map[string]*memoryStory),
		now:     time.Now,
	}
}

func (r *MemoryRepository) CreateStory(ctx context.Context, storyID, rootContent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stories[storyID]; ok {
		return fmt.Errorf("%w: %s", ErrStoryExists, storyID)
	}
	r.stories[storyID] = &memoryStory{
		nodes: []Node{{StoryID: storyID, ID: RootNodeID, Content: rootContent, IsChoicePoint: true, CreatedAt: r.now()}},
		edges: make(map[protocol.NodeID][]Choice),
	}
	return nil
}

func (r *MemoryRepository) story(storyID string) (*memoryStory, error) {
	s, ok := r.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}
	return s, nil
}

func (r *MemoryRepository) CreateNode(ctx context.Context, storyID, content string, isChoicePoint bool) (protocol.NodeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.story(storyID)
	if err != nil {
		return 0, err
	}
	id := protocol.NodeID(len(s.nodes))
	s.nodes = append(s.nodes, Node{StoryID: storyID, ID: id, Content: content, IsChoicePoint: isChoicePoint, CreatedAt: r.now()})
	return id, nil
}

func (r *MemoryRepository) CreateEdge(ctx context.Context, storyID string, from, to protocol.NodeID, choiceText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.story(storyID)
	if err != nil {
		return err
	}
	for _, id := range []protocol.NodeID{from, to} {
		if id < 0 || int(id) >= len(s.nodes) {
			return fmt.Errorf("%w: story %s node %d", ErrNodeNotFound, storyID, id)
		}
	}
	s.edges[from] = append(s.edges[from], Choice{Text: choiceText, NextNodeID: to})
	return nil
}

func (r *MemoryRepository) Choices(ctx context.Context, storyID string, nodeID protocol.NodeID) ([]Choice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.story(storyID)
	if err != nil {
		return nil, err
	}
	if nodeID < 0 || int(nodeID) >= len(s.nodes) {
		return nil, fmt.Errorf("%w: story %s node %d", ErrNodeNotFound, storyID, nodeID)
	}
	return append([]Choice{}, s.edges[nodeID]...), nil
}

func (r *MemoryRepository) StoryContext(ctx context.Context, storyID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.story(storyID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Content)
	}
	return out, nil
}

func (r *MemoryRepository) Head(ctx context.Context, storyID string) (protocol.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.story(storyID)
	if err != nil {
		return 0, err
	}
	return protocol.NodeID(len(s.nodes) - 1), nil
}
