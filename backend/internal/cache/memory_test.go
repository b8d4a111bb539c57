package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"canvasServer/backend/internal/canvas"
)

func TestMemoryCellLogOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemory().CellLog()

	feed, err := l.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	var keys []canvas.Key
	for i := range 5 {
		k, err := l.Append(ctx, "c1", canvas.CellUpdate{Cell: 3, Time: time.Now(), Author: "u1", Color: "#000000"})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if len(keys) > 0 && canvas.Compare(keys[len(keys)-1], k) >= 0 {
			t.Fatalf("key %s not after %s", k, keys[len(keys)-1])
		}
		keys = append(keys, k)
	}
	for i, want := range keys {
		select {
		case u := <-feed.Events():
			if u.ID != want {
				t.Fatalf("event %d id = %s, want %s", i, u.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}

	snap, err := l.Snapshot(ctx, "c1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap[3]) != 5 {
		t.Fatalf("cell 3 log = %d entries, want 5", len(snap[3]))
	}
	// 快照是副本
	snap[3] = nil
	again, _ := l.Snapshot(ctx, "c1")
	if len(again[3]) != 5 {
		t.Fatal("snapshot shares storage with the log")
	}

	// 关闭后不再收到
	_ = feed.Close()
	if _, err := l.Append(ctx, "c1", canvas.CellUpdate{Cell: 1, Color: "#fff"}); err != nil {
		t.Fatalf("Append after close: %v", err)
	}
	if _, ok := <-feed.Events(); ok {
		t.Fatal("closed feed still delivering")
	}
}

func TestMemoryLiveKeepsLatest(t *testing.T) {
	ctx := context.Background()
	p := NewMemory().LivePresence()

	feed, err := p.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	_ = p.Set(ctx, "c1", "a", canvas.NoCell)
	_ = p.Set(ctx, "c1", "a", 4)
	_ = p.Set(ctx, "c1", "b", 9)

	lm := <-feed.Events()
	if len(lm) != 2 || lm["a"] != 4 || lm["b"] != 9 {
		t.Fatalf("live = %v, want latest map", lm)
	}

	_ = p.Remove(ctx, "c1", "a")
	lm = <-feed.Events()
	if _, ok := lm["a"]; ok {
		t.Fatalf("removed uid still present: %v", lm)
	}
	snap, _ := p.Snapshot(ctx, "c1")
	if len(snap) != 1 || snap["b"] != 9 {
		t.Fatalf("snapshot = %v", snap)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := p.Set(cctx, "c1", "c", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Set with canceled ctx = %v", err)
	}
}

func TestMemoryMetadata(t *testing.T) {
	ctx := context.Background()
	meta := NewMemory().Metadata()

	if _, err := meta.Get(ctx, "missing"); !errors.Is(err, canvas.ErrNotFound) {
		t.Fatalf("Get missing = %v", err)
	}
	if _, err := meta.AddAuthor(ctx, "missing", "u1"); !errors.Is(err, canvas.ErrNotFound) {
		t.Fatalf("AddAuthor missing = %v", err)
	}

	c := &canvas.Canvas{ID: "c1", Name: "demo", Authors: []string{"u1"}, GridWidth: 4}
	if err := meta.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Name = "changed"

	got, err := meta.AddAuthor(ctx, "c1", "u2")
	if err != nil {
		t.Fatalf("AddAuthor: %v", err)
	}
	if got.Name != "demo" || len(got.Authors) != 2 {
		t.Fatalf("canvas = %+v", got)
	}
	// 重复加入不报错
	got, _ = meta.AddAuthor(ctx, "c1", "u2")
	if len(got.Authors) != 2 {
		t.Fatalf("authors = %v", got.Authors)
	}
}

func TestMemoryCellFeedOverflow(t *testing.T) {
	ctx := context.Background()
	l := NewMemory().CellLog()
	feed, err := l.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	// 不读取，写满缓冲区再多写一条
	for i := range cap(feed.(*memFeed[canvas.CellUpdate]).ch) + 1 {
		if _, err := l.Append(ctx, "c1", canvas.CellUpdate{Cell: 0, Color: "#000"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	n := 0
	for range feed.Events() {
		n++
	}
	if n != cap(feed.(*memFeed[canvas.CellUpdate]).ch) {
		t.Fatalf("delivered %d before close", n)
	}
	if !errors.Is(feed.Err(), ErrFeedOverflow) {
		t.Fatalf("Err = %v, want ErrFeedOverflow", feed.Err())
	}
}
