package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/session"
)

const (
	BaseTTL          = 30 * time.Minute // 基础过期时间
	Jitter           = 5 * time.Minute  // 随机抖动范围
	NullTTL          = time.Minute
	EmptyCacheMarker = "-1" // 空值标记
)

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// CachedMetadata 在文档存储前面加一层 redis 缓存：
// singleflight 合并并发回源，不存在的画布写空值标记防止穿透。
type CachedMetadata struct {
	rdb   redis.UniversalClient
	inner session.Metadata
	sf    singleflight.Group
	log   *slog.Logger
}

func NewCachedMetadata(rdb redis.UniversalClient, inner session.Metadata, log *slog.Logger) *CachedMetadata {
	if log == nil {
		log = slog.Default()
	}
	return &CachedMetadata{rdb: rdb, inner: inner, log: log}
}

var _ session.Metadata = (*CachedMetadata)(nil)

func (m *CachedMetadata) readCache(ctx context.Context, key string) (c *canvas.Canvas, hit bool, err error) {
	res, err := m.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if res == EmptyCacheMarker {
		return nil, true, nil
	}
	c = new(canvas.Canvas)
	if err := json.Unmarshal([]byte(res), c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (m *CachedMetadata) writeCache(ctx context.Context, c *canvas.Canvas) {
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := m.rdb.Set(ctx, metaKey(c.ID), b, getRandomTTL()).Err(); err != nil {
		m.log.Warn("write metadata cache failed", "canvas", c.ID, "err", err)
	}
}

// 标记空值缓存，防止缓存穿透
func (m *CachedMetadata) writeNullCache(ctx context.Context, key string) {
	if err := m.rdb.Set(ctx, key, EmptyCacheMarker, NullTTL).Err(); err != nil {
		m.log.Warn("write null cache failed", "key", key, "err", err)
	}
}

func (m *CachedMetadata) Get(ctx context.Context, canvasID string) (*canvas.Canvas, error) {
	key := metaKey(canvasID)
	val, err, _ := m.sf.Do(key, func() (any, error) {
		c, hit, err := m.readCache(ctx, key)
		if err != nil {
			// 缓存不可用时直接回源
			m.log.Warn("read metadata cache failed", "canvas", canvasID, "err", err)
		}
		if hit {
			if c == nil {
				return nil, fmt.Errorf("canvas %s: %w", canvasID, canvas.ErrNotFound)
			}
			return c, nil
		}

		c, err = m.inner.Get(ctx, canvasID)
		if errors.Is(err, canvas.ErrNotFound) {
			m.writeNullCache(ctx, key)
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		m.writeCache(ctx, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := val.(*canvas.Canvas)
	if !ok {
		return nil, errors.New("internal type error")
	}
	// singleflight 的调用方共享同一个指针
	return c.Clone(), nil
}

func (m *CachedMetadata) Create(ctx context.Context, c *canvas.Canvas) error {
	if err := m.inner.Create(ctx, c); err != nil {
		return err
	}
	m.writeCache(ctx, c)
	return nil
}

func (m *CachedMetadata) AddAuthor(ctx context.Context, canvasID, uid string) (*canvas.Canvas, error) {
	c, err := m.inner.AddAuthor(ctx, canvasID, uid)
	if err != nil {
		return nil, err
	}
	m.writeCache(ctx, c)
	return c, nil
}
