package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"canvasServer/backend/internal/canvas"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func cleanup(t *testing.T, rdb *redis.Client, id string) {
	t.Cleanup(func() {
		rdb.Del(context.Background(), logKey(id), liveKey(id), heartbeatKey(id), metaKey(id))
	})
}

func TestCellLogAppendSnapshotSubscribe(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	id := uuid.NewString()
	cleanup(t, rdb, id)
	l := NewCellLog(rdb, nil)

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, id, canvas.CellUpdate{Cell: 5, Time: now, Author: "a", Color: "#111111"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	feed, err := l.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	key, err := l.Append(ctx, id, canvas.CellUpdate{Cell: 5, Time: now, Author: "b", Color: "#222222"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case u := <-feed.Events():
		if u.ID != key || u.Author != "b" || !u.Time.Equal(now) {
			t.Fatalf("feed delivered %+v, want key %s", u, key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}

	snap, err := l.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if n := len(snap[5]); n != 4 {
		t.Fatalf("snapshot has %d entries, want 4", n)
	}
	if got := canvas.Resolve(snap[5], canvas.Resolved{}); got.Color != "#222222" {
		t.Fatalf("resolved = %+v", got)
	}
}

func TestLivePresence(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	id := uuid.NewString()
	cleanup(t, rdb, id)
	p := NewLivePresence(rdb, time.Minute, nil)

	feed, err := p.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	if err := p.Set(ctx, id, "A", 3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.Set(ctx, id, "B", canvas.NoCell); err != nil {
		t.Fatalf("Set: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case live := <-feed.Events():
			done = len(live) == 2
		case <-deadline:
			t.Fatal("presence change not delivered")
		}
	}

	if err := p.Remove(ctx, id, "B"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	live, err := p.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := live["B"]; ok || live["A"] != 3 {
		t.Fatalf("live = %v", live)
	}
}

func TestLivePresencePurgesExpired(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	id := uuid.NewString()
	cleanup(t, rdb, id)
	p := NewLivePresence(rdb, time.Minute, nil)

	if err := p.Set(ctx, id, "gone", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// 心跳时间改到过去，模拟异常断开
	past := float64(time.Now().Add(-time.Minute).Unix())
	rdb.ZAdd(ctx, heartbeatKey(id), redis.Z{Score: past, Member: "gone"})

	live, err := p.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expired entry survived: %v", live)
	}
}

type countingMeta struct {
	calls atomic.Int32
	c     *canvas.Canvas
}

func (m *countingMeta) Get(ctx context.Context, id string) (*canvas.Canvas, error) {
	m.calls.Add(1)
	if m.c == nil || m.c.ID != id {
		return nil, fmt.Errorf("canvas %s: %w", id, canvas.ErrNotFound)
	}
	return m.c.Clone(), nil
}

func (m *countingMeta) Create(ctx context.Context, c *canvas.Canvas) error {
	m.c = c.Clone()
	return nil
}

func (m *countingMeta) AddAuthor(ctx context.Context, id, uid string) (*canvas.Canvas, error) {
	if m.c == nil || m.c.ID != id {
		return nil, canvas.ErrNotFound
	}
	m.c.AddAuthor(uid)
	return m.c.Clone(), nil
}

func TestCachedMetadata(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	id := uuid.NewString()
	missing := uuid.NewString()
	cleanup(t, rdb, id)
	cleanup(t, rdb, missing)

	inner := &countingMeta{c: &canvas.Canvas{ID: id, Name: "mural", Authors: []string{"a"}, GridWidth: 4}}
	m := NewCachedMetadata(rdb, inner, nil)

	for i := 0; i < 3; i++ {
		c, err := m.Get(ctx, id)
		if err != nil || c.Name != "mural" {
			t.Fatalf("Get = %+v, %v", c, err)
		}
	}
	if n := inner.calls.Load(); n != 1 {
		t.Fatalf("inner calls = %d, want 1", n)
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Get(ctx, missing); !errors.Is(err, canvas.ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if n := inner.calls.Load(); n != 2 {
		t.Fatalf("inner calls = %d, want 2 (null marker cached)", n)
	}

	if _, err := m.AddAuthor(ctx, id, "b"); err != nil {
		t.Fatalf("AddAuthor: %v", err)
	}
	c, _ := m.Get(ctx, id)
	if !c.HasAuthor("b") {
		t.Fatal("cache not refreshed after join")
	}
}
