package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/session"
)

const (
	snapshotPage = 500
	readBlock    = 2 * time.Second
	readCount    = 100
)

// CellLog 用 Redis Stream 实现按画布的有序追加日志：
// XADD 由服务端分配 "<ms>-<seq>" ID，顺序与写入顺序一致。
type CellLog struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewCellLog(rdb redis.UniversalClient, log *slog.Logger) *CellLog {
	if log == nil {
		log = slog.Default()
	}
	return &CellLog{rdb: rdb, log: log}
}

var _ session.CellLog = (*CellLog)(nil)

func (l *CellLog) Append(ctx context.Context, canvasID string, u canvas.CellUpdate) (canvas.Key, error) {
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: logKey(canvasID),
		Values: map[string]any{
			"cell":   int(u.Cell),
			"time":   u.Time.UnixMilli(),
			"author": u.Author,
			"color":  u.Color,
		},
	}).Result()
	if err != nil {
		return "", err
	}
	return canvas.Key(id), nil
}

// Snapshot reads the whole stream in pages of snapshotPage entries.
func (l *CellLog) Snapshot(ctx context.Context, canvasID string) (map[canvas.CellIndex]canvas.CellLog, error) {
	out := make(map[canvas.CellIndex]canvas.CellLog)
	start := "-"
	for {
		msgs, err := l.rdb.XRangeN(ctx, logKey(canvasID), start, "+", snapshotPage).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			u, err := decodeUpdate(m)
			if err != nil {
				l.log.Warn("skip malformed cell update", "canvas", canvasID, "id", m.ID, "err", err)
				continue
			}
			out[u.Cell] = append(out[u.Cell], u)
		}
		if len(msgs) < snapshotPage {
			return out, nil
		}
		// 排他区间，需要 Redis >= 6.2
		start = "(" + msgs[len(msgs)-1].ID
	}
}

// Subscribe starts an XREAD BLOCK loop from the stream's last id at call time, so
// every append written after Subscribe returns is delivered exactly once, in order.
func (l *CellLog) Subscribe(ctx context.Context, canvasID string) (session.Feed[canvas.CellUpdate], error) {
	key := logKey(canvasID)
	last := "0-0"
	msgs, err := l.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		last = msgs[0].ID
	}

	fctx, cancel := context.WithCancel(ctx)
	f := &streamFeed{ch: make(chan canvas.CellUpdate, readCount), cancel: cancel}
	go l.read(fctx, f, key, last)
	return f, nil
}

func (l *CellLog) read(ctx context.Context, f *streamFeed, key, last string) {
	defer close(f.ch)
	for {
		res, err := l.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, last},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			f.setErr(err)
			return
		}
		for _, s := range res {
			for _, m := range s.Messages {
				last = m.ID
				u, err := decodeUpdate(m)
				if err != nil {
					l.log.Warn("skip malformed cell update", "stream", key, "id", m.ID, "err", err)
					continue
				}
				select {
				case f.ch <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func decodeUpdate(m redis.XMessage) (canvas.CellUpdate, error) {
	cell, err := strconv.Atoi(fmt.Sprint(m.Values["cell"]))
	if err != nil {
		return canvas.CellUpdate{}, fmt.Errorf("cell: %w", err)
	}
	ms, err := strconv.ParseInt(fmt.Sprint(m.Values["time"]), 10, 64)
	if err != nil {
		return canvas.CellUpdate{}, fmt.Errorf("time: %w", err)
	}
	author, _ := m.Values["author"].(string)
	color, _ := m.Values["color"].(string)
	return canvas.CellUpdate{
		ID:     canvas.Key(m.ID),
		Cell:   canvas.CellIndex(cell),
		Time:   time.UnixMilli(ms).UTC(),
		Author: author,
		Color:  color,
	}, nil
}

type streamFeed struct {
	ch     chan canvas.CellUpdate
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (f *streamFeed) Events() <-chan canvas.CellUpdate { return f.ch }

func (f *streamFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *streamFeed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *streamFeed) Close() error {
	f.cancel()
	return nil
}
