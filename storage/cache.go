package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"kanban-api/domain"
	"kanban-api/engine"
)

type backend interface {
	engine.Store
}

// Cache wraps a Store with Redis-backed caching of the assembled board view.
// Revision-bearing fetches pass straight through: a cached document would
// carry a stale revision and turn every conditional write into a conflict.
// Any mutation against a board evicts that board's cached view.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// FetchBoardView serves the assembled view from Redis when present.
func (c *Cache) FetchBoardView(ctx context.Context, boardID string) (domain.BoardView, error) {
	if view, ok := c.loadViewFromCache(ctx, boardID); ok {
		return view, nil
	}

	view, err := c.base.FetchBoardView(ctx, boardID)
	if err != nil {
		return domain.BoardView{}, err
	}

	c.storeView(ctx, boardID, view)
	return view, nil
}

func (c *Cache) FetchBoard(ctx context.Context, boardID string) (domain.Board, engine.Rev, error) {
	return c.base.FetchBoard(ctx, boardID)
}

func (c *Cache) PutBoard(ctx context.Context, board domain.Board, rev engine.Rev) error {
	if err := c.base.PutBoard(ctx, board, rev); err != nil {
		return err
	}
	c.evict(ctx, board.ID)
	return nil
}

func (c *Cache) InsertBoard(ctx context.Context, board domain.Board) error {
	if err := c.base.InsertBoard(ctx, board); err != nil {
		return err
	}
	c.evict(ctx, board.ID)
	return nil
}

func (c *Cache) FetchList(ctx context.Context, boardID, listID string) (domain.List, engine.Rev, error) {
	return c.base.FetchList(ctx, boardID, listID)
}

func (c *Cache) PutList(ctx context.Context, boardID string, list domain.List, rev engine.Rev) error {
	if err := c.base.PutList(ctx, boardID, list, rev); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) InsertList(ctx context.Context, boardID string, list domain.List) error {
	if err := c.base.InsertList(ctx, boardID, list); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) DeleteList(ctx context.Context, boardID, listID string) error {
	if err := c.base.DeleteList(ctx, boardID, listID); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) FetchCard(ctx context.Context, boardID, cardID string) (domain.Card, engine.Rev, error) {
	return c.base.FetchCard(ctx, boardID, cardID)
}

func (c *Cache) PutCard(ctx context.Context, boardID string, card domain.Card, rev engine.Rev) error {
	if err := c.base.PutCard(ctx, boardID, card, rev); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) InsertCard(ctx context.Context, boardID string, card domain.Card) error {
	if err := c.base.InsertCard(ctx, boardID, card); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) DeleteCard(ctx context.Context, boardID, cardID string) error {
	if err := c.base.DeleteCard(ctx, boardID, cardID); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) FetchUser(ctx context.Context, userID string) (domain.User, error) {
	return c.base.FetchUser(ctx, userID)
}

func (c *Cache) loadViewFromCache(ctx context.Context, boardID string) (domain.BoardView, bool) {
	if c.redis == nil {
		return domain.BoardView{}, false
	}
	data, err := c.redis.Get(ctx, viewCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, viewCacheKey(boardID)).Err()
		}
		return domain.BoardView{}, false
	}
	var view domain.BoardView
	if err := json.Unmarshal(data, &view); err != nil {
		_ = c.redis.Del(ctx, viewCacheKey(boardID)).Err()
		return domain.BoardView{}, false
	}
	return view, true
}

func (c *Cache) storeView(ctx context.Context, boardID string, view domain.BoardView) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, viewCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, viewCacheKey(boardID)).Result()
}

func viewCacheKey(boardID string) string {
	return "boardview:" + boardID
}
