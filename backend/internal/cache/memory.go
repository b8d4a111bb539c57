package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/session"
)

// Memory 是单进程内的传输实现，没有配置 Redis 时使用（本地开发、测试）。
// 日志 key 沿用 Stream 的 "<ms>-<seq>" 格式，保证与 Redis 实现同样的排序语义。
type Memory struct {
	mu       sync.Mutex
	lastMS   int64
	seq      uint64
	cells    map[string]map[canvas.CellIndex]canvas.CellLog
	cellSubs map[string]map[*memFeed[canvas.CellUpdate]]struct{}
	live     map[string]canvas.LiveMap
	liveSubs map[string]map[*memFeed[canvas.LiveMap]]struct{}
	canvases map[string]*canvas.Canvas
}

func NewMemory() *Memory {
	return &Memory{
		cells:    make(map[string]map[canvas.CellIndex]canvas.CellLog),
		cellSubs: make(map[string]map[*memFeed[canvas.CellUpdate]]struct{}),
		live:     make(map[string]canvas.LiveMap),
		liveSubs: make(map[string]map[*memFeed[canvas.LiveMap]]struct{}),
		canvases: make(map[string]*canvas.Canvas),
	}
}

// CellLog, LivePresence and Metadata views of the same store.
func (m *Memory) CellLog() session.CellLog           { return memCellLog{m} }
func (m *Memory) LivePresence() session.LivePresence { return memLive{m} }
func (m *Memory) Metadata() session.Metadata         { return memMeta{m} }

// ErrFeedOverflow 表示订阅者跟不上写入，feed 被断开；之后的追加没有送达。
var ErrFeedOverflow = errors.New("feed overflow")

type memFeed[T any] struct {
	ch     chan T
	once   sync.Once
	remove func()

	mu  sync.Mutex
	err error
}

func (f *memFeed[T]) Events() <-chan T { return f.ch }

func (f *memFeed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *memFeed[T]) Close() error {
	f.once.Do(func() {
		f.remove()
		close(f.ch)
	})
	return nil
}

// push 在持有 Memory.mu 时调用；Close 也要拿这把锁才能摘除订阅，所以不会向已关闭的 channel 发送。
// 缓冲区满时返回 false。
func (f *memFeed[T]) push(v T) bool {
	select {
	case f.ch <- v:
		return true
	default:
		return false
	}
}

// overflow 关闭 feed 并记录原因，调用方已持有 Memory.mu 并摘除了订阅。
func (f *memFeed[T]) overflow() {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = ErrFeedOverflow
		f.mu.Unlock()
		close(f.ch)
	})
}

type memCellLog struct{ m *Memory }

func (l memCellLog) nextKey() canvas.Key {
	m := l.m
	ms := time.Now().UnixMilli()
	if ms <= m.lastMS {
		m.seq++
	} else {
		m.lastMS, m.seq = ms, 0
	}
	return canvas.Key(fmt.Sprintf("%d-%d", m.lastMS, m.seq))
}

func (l memCellLog) Append(ctx context.Context, canvasID string, u canvas.CellUpdate) (canvas.Key, error) {
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = l.nextKey()
	if m.cells[canvasID] == nil {
		m.cells[canvasID] = make(map[canvas.CellIndex]canvas.CellLog)
	}
	m.cells[canvasID][u.Cell] = append(m.cells[canvasID][u.Cell], u)
	for f := range m.cellSubs[canvasID] {
		if !f.push(u) {
			// 丢掉一条就不再有序完整，断开让 session 以 UPDATE_FAILURE 结束
			delete(m.cellSubs[canvasID], f)
			f.overflow()
		}
	}
	return u.ID, nil
}

func (l memCellLog) Snapshot(ctx context.Context, canvasID string) (map[canvas.CellIndex]canvas.CellLog, error) {
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[canvas.CellIndex]canvas.CellLog, len(m.cells[canvasID]))
	for i, log := range m.cells[canvasID] {
		out[i] = slices.Clone(log)
	}
	return out, nil
}

func (l memCellLog) Subscribe(ctx context.Context, canvasID string) (session.Feed[canvas.CellUpdate], error) {
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &memFeed[canvas.CellUpdate]{ch: make(chan canvas.CellUpdate, 256)}
	f.remove = func() {
		m.mu.Lock()
		delete(m.cellSubs[canvasID], f)
		m.mu.Unlock()
	}
	if m.cellSubs[canvasID] == nil {
		m.cellSubs[canvasID] = make(map[*memFeed[canvas.CellUpdate]]struct{})
	}
	m.cellSubs[canvasID][f] = struct{}{}
	return f, nil
}

type memLive struct{ m *Memory }

func (p memLive) publish(canvasID string) {
	snap := maps.Clone(p.m.live[canvasID])
	for f := range p.m.liveSubs[canvasID] {
		// 只保留最新的一份
		select {
		case <-f.ch:
		default:
		}
		_ = f.push(maps.Clone(snap))
	}
}

func (p memLive) Set(ctx context.Context, canvasID, uid string, cell canvas.CellIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[canvasID] == nil {
		m.live[canvasID] = make(canvas.LiveMap)
	}
	m.live[canvasID][uid] = cell
	p.publish(canvasID)
	return nil
}

func (p memLive) Remove(ctx context.Context, canvasID, uid string) error {
	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live[canvasID], uid)
	p.publish(canvasID)
	return nil
}

func (p memLive) Snapshot(ctx context.Context, canvasID string) (canvas.LiveMap, error) {
	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	out := maps.Clone(m.live[canvasID])
	if out == nil {
		out = make(canvas.LiveMap)
	}
	return out, nil
}

func (p memLive) Subscribe(ctx context.Context, canvasID string) (session.Feed[canvas.LiveMap], error) {
	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &memFeed[canvas.LiveMap]{ch: make(chan canvas.LiveMap, 1)}
	f.remove = func() {
		m.mu.Lock()
		delete(m.liveSubs[canvasID], f)
		m.mu.Unlock()
	}
	if m.liveSubs[canvasID] == nil {
		m.liveSubs[canvasID] = make(map[*memFeed[canvas.LiveMap]]struct{})
	}
	m.liveSubs[canvasID][f] = struct{}{}
	return f, nil
}

type memMeta struct{ m *Memory }

func (d memMeta) Get(ctx context.Context, canvasID string) (*canvas.Canvas, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	c, ok := d.m.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, canvas.ErrNotFound)
	}
	return c.Clone(), nil
}

func (d memMeta) Create(ctx context.Context, c *canvas.Canvas) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	d.m.canvases[c.ID] = c.Clone()
	return nil
}

func (d memMeta) AddAuthor(ctx context.Context, canvasID, uid string) (*canvas.Canvas, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	c, ok := d.m.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, canvas.ErrNotFound)
	}
	c.AddAuthor(uid)
	return c.Clone(), nil
}
