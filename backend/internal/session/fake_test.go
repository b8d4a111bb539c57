package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/intent"
)

type memFeed[T any] struct {
	ch   chan T
	mu   sync.Mutex
	err  error
	once sync.Once
}

func newMemFeed[T any]() *memFeed[T] { return &memFeed[T]{ch: make(chan T, 64)} }

func (f *memFeed[T]) Events() <-chan T { return f.ch }

func (f *memFeed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *memFeed[T]) fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.ch)
	})
}

func (f *memFeed[T]) Close() error {
	f.once.Do(func() { close(f.ch) })
	return nil
}

func (f *memFeed[T]) push(v T) {
	defer func() { _ = recover() }() // closed feed
	select {
	case f.ch <- v:
	default:
	}
}

// memLog 是内存版的有序日志，key 与 Redis Stream 一样是 "<seq>-0"。
type memLog struct {
	mu    sync.Mutex
	seq   int
	cells map[string]map[canvas.CellIndex]canvas.CellLog
	subs  map[string][]*memFeed[canvas.CellUpdate]

	failSnapshots int
	snapshots     int
	duringRead    func()
	afterRead     func()
	appendErr     error
}

func newMemLog() *memLog {
	return &memLog{
		cells: make(map[string]map[canvas.CellIndex]canvas.CellLog),
		subs:  make(map[string][]*memFeed[canvas.CellUpdate]),
	}
}

func (l *memLog) Subscribe(ctx context.Context, canvasID string) (Feed[canvas.CellUpdate], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := newMemFeed[canvas.CellUpdate]()
	l.subs[canvasID] = append(l.subs[canvasID], f)
	return f, nil
}

func (l *memLog) Snapshot(ctx context.Context, canvasID string) (map[canvas.CellIndex]canvas.CellLog, error) {
	l.mu.Lock()
	l.snapshots++
	if l.failSnapshots > 0 {
		l.failSnapshots--
		l.mu.Unlock()
		return nil, errors.New("snapshot unavailable")
	}
	during, after := l.duringRead, l.afterRead
	l.duringRead, l.afterRead = nil, nil
	l.mu.Unlock()

	if during != nil {
		during()
	}
	l.mu.Lock()
	out := make(map[canvas.CellIndex]canvas.CellLog)
	for i, log := range l.cells[canvasID] {
		out[i] = slices.Clone(log)
	}
	l.mu.Unlock()
	if after != nil {
		after()
	}
	return out, nil
}

func (l *memLog) Append(ctx context.Context, canvasID string, u canvas.CellUpdate) (canvas.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return "", l.appendErr
	}
	l.seq++
	u.ID = canvas.Key(fmt.Sprintf("%d-0", l.seq))
	if l.cells[canvasID] == nil {
		l.cells[canvasID] = make(map[canvas.CellIndex]canvas.CellLog)
	}
	l.cells[canvasID][u.Cell] = append(l.cells[canvasID][u.Cell], u)
	for _, f := range l.subs[canvasID] {
		f.push(u)
	}
	return u.ID, nil
}

func (l *memLog) feeds(canvasID string) []*memFeed[canvas.CellUpdate] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.subs[canvasID])
}

type memLive struct {
	mu   sync.Mutex
	live map[string]canvas.LiveMap
	subs map[string][]*memFeed[canvas.LiveMap]

	beforeSubscribe func()
}

func newMemLive() *memLive {
	return &memLive{live: make(map[string]canvas.LiveMap), subs: make(map[string][]*memFeed[canvas.LiveMap])}
}

func (p *memLive) Set(ctx context.Context, canvasID, uid string, cell canvas.CellIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live[canvasID] == nil {
		p.live[canvasID] = make(canvas.LiveMap)
	}
	p.live[canvasID][uid] = cell
	p.publish(canvasID)
	return nil
}

func (p *memLive) Remove(ctx context.Context, canvasID, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live[canvasID], uid)
	p.publish(canvasID)
	return nil
}

func (p *memLive) publish(canvasID string) {
	for _, f := range p.subs[canvasID] {
		f.push(maps.Clone(p.live[canvasID]))
	}
}

func (p *memLive) Subscribe(ctx context.Context, canvasID string) (Feed[canvas.LiveMap], error) {
	p.mu.Lock()
	hook := p.beforeSubscribe
	p.beforeSubscribe = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f := newMemFeed[canvas.LiveMap]()
	p.subs[canvasID] = append(p.subs[canvasID], f)
	return f, nil
}

func (p *memLive) Snapshot(ctx context.Context, canvasID string) (canvas.LiveMap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.live[canvasID]), nil
}

func (p *memLive) feeds(canvasID string) []*memFeed[canvas.LiveMap] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.subs[canvasID])
}

func (p *memLive) entry(canvasID, uid string) (canvas.CellIndex, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.live[canvasID][uid]
	return c, ok
}

type memMeta struct {
	mu       sync.Mutex
	canvases map[string]*canvas.Canvas
}

func newMemMeta(cs ...*canvas.Canvas) *memMeta {
	m := &memMeta{canvases: make(map[string]*canvas.Canvas)}
	for _, c := range cs {
		m.canvases[c.ID] = c.Clone()
	}
	return m
}

func (m *memMeta) Get(ctx context.Context, id string) (*canvas.Canvas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.canvases[id]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", id, canvas.ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *memMeta) Create(ctx context.Context, c *canvas.Canvas) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canvases[c.ID] = c.Clone()
	return nil
}

func (m *memMeta) AddAuthor(ctx context.Context, id, uid string) (*canvas.Canvas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.canvases[id]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", id, canvas.ErrNotFound)
	}
	c.AddAuthor(uid)
	return c.Clone(), nil
}

// recorder 收集 session 发出的 intent。
type recorder struct{ ch chan intent.Intent }

func newRecorder() *recorder { return &recorder{ch: make(chan intent.Intent, 256)} }

func (r *recorder) emit(in intent.Intent) { r.ch <- in }

func (r *recorder) waitFor(t *testing.T, kind intent.Kind) intent.Intent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case in := <-r.ch:
			if in.Kind == kind {
				return in
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (r *recorder) none(t *testing.T, kind intent.Kind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case in := <-r.ch:
			if in.Kind == kind {
				t.Fatalf("unexpected %s: %+v", kind, in)
			}
		case <-deadline:
			return
		}
	}
}
