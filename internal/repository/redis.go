package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"novel-stream/internal/protocol"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ StoryGraphRepository = (*redisRepository)(nil)

// redisRepository хранит узлы истории списком story:{id}:nodes (индекс = ID узла),
// ребра - списками story:{id}:edges:{node}. Все ключи истории живут ttl.
type redisRepository struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRepository создает Redis-хранилище графа истории.
func NewRedisRepository(client *redis.Client, ttl time.Duration, logger *zap.Logger) StoryGraphRepository {
	return &redisRepository{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisStoryGraphRepo"),
	}
}

func metaKey(storyID string) string  { return fmt.Sprintf("story:%s:meta", storyID) }
func nodesKey(storyID string) string { return fmt.Sprintf("story:%s:nodes", storyID) }
func edgesKey(storyID string, node protocol.NodeID) string {
	return fmt.Sprintf("story:%s:edges:%d", storyID, node)
}

func (r *redisRepository) CreateStory(ctx context.Context, storyID, rootContent string) error {
	now := time.Now().UTC()
	created, err := r.client.SetNX(ctx, metaKey(storyID), now.Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		r.logger.Error("Failed to create story meta", zap.String("storyID", storyID), zap.Error(err))
		return fmt.Errorf("redis create story: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrStoryExists, storyID)
	}

	root, err := json.Marshal(Node{StoryID: storyID, ID: RootNodeID, Content: rootContent, IsChoicePoint: true, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal root node: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, nodesKey(storyID), root)
		pipe.Expire(ctx, nodesKey(storyID), r.ttl)
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to store root node", zap.String("storyID", storyID), zap.Error(err))
		return fmt.Errorf("redis create root node: %w", err)
	}
	r.logger.Debug("Story created", zap.String("storyID", storyID))
	return nil
}

// nodeCount возвращает число узлов; 0 означает, что истории нет.
func (r *redisRepository) nodeCount(ctx context.Context, storyID string) (int64, error) {
	n, err := r.client.LLen(ctx, nodesKey(storyID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}
	return n, nil
}

func (r *redisRepository) CreateNode(ctx context.Context, storyID, content string, isChoicePoint bool) (protocol.NodeID, error) {
	if _, err := r.nodeCount(ctx, storyID); err != nil {
		return 0, err
	}

	// ID назначается позицией в списке, поэтому узел дописывается без поля ID
	// и исправляется после RPUSH.
	node := Node{StoryID: storyID, Content: content, IsChoicePoint: isChoicePoint, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(node)
	if err != nil {
		return 0, fmt.Errorf("marshal node: %w", err)
	}
	length, err := r.client.RPush(ctx, nodesKey(storyID), raw).Result()
	if err != nil {
		r.logger.Error("Failed to push node", zap.String("storyID", storyID), zap.Error(err))
		return 0, fmt.Errorf("redis create node: %w", err)
	}
	node.ID = protocol.NodeID(length - 1)
	if raw, err = json.Marshal(node); err != nil {
		return 0, fmt.Errorf("marshal node: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LSet(ctx, nodesKey(storyID), length-1, raw)
		pipe.Expire(ctx, nodesKey(storyID), r.ttl)
		pipe.Expire(ctx, metaKey(storyID), r.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis finalize node: %w", err)
	}
	return node.ID, nil
}

func (r *redisRepository) CreateEdge(ctx context.Context, storyID string, from, to protocol.NodeID, choiceText string) error {
	n, err := r.nodeCount(ctx, storyID)
	if err != nil {
		return err
	}
	for _, id := range []protocol.NodeID{from, to} {
		if id < 0 || int64(id) >= n {
			return fmt.Errorf("%w: story %s node %d", ErrNodeNotFound, storyID, id)
		}
	}
	raw, err := json.Marshal(Choice{Text: choiceText, NextNodeID: to})
	if err != nil {
		return fmt.Errorf("marshal choice: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, edgesKey(storyID, from), raw)
		pipe.Expire(ctx, edgesKey(storyID, from), r.ttl)
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to create edge", zap.String("storyID", storyID), zap.Int64("from", int64(from)), zap.Error(err))
		return fmt.Errorf("redis create edge: %w", err)
	}
	return nil
}

func (r *redisRepository) Choices(ctx context.Context, storyID string, nodeID protocol.NodeID) ([]Choice, error) {
	n, err := r.nodeCount(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if nodeID < 0 || int64(nodeID) >= n {
		return nil, fmt.Errorf("%w: story %s node %d", ErrNodeNotFound, storyID, nodeID)
	}
	items, err := r.client.LRange(ctx, edgesKey(storyID, nodeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list choices: %w", err)
	}
	choices := make([]Choice, 0, len(items))
	for _, item := range items {
		var c Choice
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			return nil, fmt.Errorf("decode choice: %w", err)
		}
		choices = append(choices, c)
	}
	return choices, nil
}

func (r *redisRepository) StoryContext(ctx context.Context, storyID string) ([]string, error) {
	items, err := r.client.LRange(ctx, nodesKey(storyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis story context: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var node Node
		if err := json.Unmarshal([]byte(item), &node); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		out = append(out, node.Content)
	}
	return out, nil
}

func (r *redisRepository) Head(ctx context.Context, storyID string) (protocol.NodeID, error) {
	n, err := r.nodeCount(ctx, storyID)
	if err != nil {
		return 0, err
	}
	return protocol.NodeID(n - 1), nil
}
