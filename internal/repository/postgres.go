package repository

import (
	"context"
	"errors"
	"fmt"

	"novel-stream/internal/protocol"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBTX - общий интерфейс pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var _ StoryGraphRepository = (*pgRepository)(nil)

type pgRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgRepository создает PostgreSQL-хранилище графа истории.
func NewPgRepository(db DBTX, logger *zap.Logger) StoryGraphRepository {
	return &pgRepository{
		db:     db,
		logger: logger.Named("PgStoryGraphRepo"),
	}
}

const createStoryQuery = `INSERT INTO stories (id, head_node_id) VALUES ($1, 0)`

const createNodeQuery = `
INSERT INTO story_nodes (story_id, node_id, content, is_choice_point)
VALUES ($1, $2, $3, $4)`

const advanceHeadQuery = `
UPDATE stories SET head_node_id = head_node_id + 1
WHERE id = $1
RETURNING head_node_id`

const createEdgeQuery = `
INSERT INTO story_edges (story_id, from_node_id, to_node_id, choice_text)
VALUES ($1, $2, $3, $4)`

const listChoicesQuery = `
SELECT choice_text, to_node_id AS next_node_id
FROM story_edges
WHERE story_id = $1 AND from_node_id = $2
ORDER BY id`

const nodeExistsQuery = `SELECT EXISTS (SELECT 1 FROM story_nodes WHERE story_id = $1 AND node_id = $2)`

const storyExistsQuery = `SELECT EXISTS (SELECT 1 FROM stories WHERE id = $1)`

const storyContextQuery = `SELECT content FROM story_nodes WHERE story_id = $1 ORDER BY node_id`

const headQuery = `SELECT head_node_id FROM stories WHERE id = $1`

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func (r *pgRepository) CreateStory(ctx context.Context, storyID, rootContent string) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createStoryQuery, storyID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, createNodeQuery, storyID, RootNodeID, rootContent, true)
		return err
	})
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrStoryExists, storyID)
		}
		r.logger.Error("Failed to create story", zap.String("storyID", storyID), zap.Error(err))
		return fmt.Errorf("ошибка создания истории: %w", err)
	}
	r.logger.Debug("Story created", zap.String("storyID", storyID))
	return nil
}

func (r *pgRepository) CreateNode(ctx context.Context, storyID, content string, isChoicePoint bool) (protocol.NodeID, error) {
	var nodeID protocol.NodeID
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		// Строка истории блокируется до конца транзакции, ID узлов идут без пропусков
		if err := tx.QueryRow(ctx, advanceHeadQuery, storyID).Scan(&nodeID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, createNodeQuery, storyID, nodeID, content, isChoicePoint)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
		}
		r.logger.Error("Failed to create node", zap.String("storyID", storyID), zap.Error(err))
		return 0, fmt.Errorf("ошибка создания узла: %w", err)
	}
	return nodeID, nil
}

func (r *pgRepository) CreateEdge(ctx context.Context, storyID string, from, to protocol.NodeID, choiceText string) error {
	_, err := r.db.Exec(ctx, createEdgeQuery, storyID, from, to, choiceText)
	if err == nil {
		return nil
	}
	if pgErrorCode(err) == pgForeignKeyViolation {
		if exists, existsErr := r.storyExists(ctx, storyID); existsErr == nil && !exists {
			return fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
		}
		return fmt.Errorf("%w: story %s edge %d->%d", ErrNodeNotFound, storyID, from, to)
	}
	r.logger.Error("Failed to create edge", zap.String("storyID", storyID), zap.Int64("from", int64(from)), zap.Int64("to", int64(to)), zap.Error(err))
	return fmt.Errorf("ошибка создания ребра: %w", err)
}

func (r *pgRepository) storyExists(ctx context.Context, storyID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, storyExistsQuery, storyID).Scan(&exists)
	return exists, err
}

func (r *pgRepository) Choices(ctx context.Context, storyID string, nodeID protocol.NodeID) ([]Choice, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, nodeExistsQuery, storyID, nodeID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("ошибка проверки узла: %w", err)
	}
	if !exists {
		if storyOK, err := r.storyExists(ctx, storyID); err == nil && !storyOK {
			return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
		}
		return nil, fmt.Errorf("%w: story %s node %d", ErrNodeNotFound, storyID, nodeID)
	}

	choices := []Choice{}
	if err := pgxscan.Select(ctx, r.db, &choices, listChoicesQuery, storyID, nodeID); err != nil {
		r.logger.Error("Failed to list choices", zap.String("storyID", storyID), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения выборов: %w", err)
	}
	return choices, nil
}

func (r *pgRepository) StoryContext(ctx context.Context, storyID string) ([]string, error) {
	var contents []string
	if err := pgxscan.Select(ctx, r.db, &contents, storyContextQuery, storyID); err != nil {
		r.logger.Error("Failed to load story context", zap.String("storyID", storyID), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения контекста истории: %w", err)
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}
	return contents, nil
}

func (r *pgRepository) Head(ctx context.Context, storyID string) (protocol.NodeID, error) {
	var head protocol.NodeID
	if err := pgxscan.Get(ctx, r.db, &head, headQuery, storyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
		}
		return 0, fmt.Errorf("ошибка получения head узла: %w", err)
	}
	return head, nil
}
