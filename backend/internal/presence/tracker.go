package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"canvasServer/backend/internal/canvas"
)

// Writer 是 presence 条目的远端存储（Redis 实现见 cache.LivePresence）。
type Writer interface {
	Set(ctx context.Context, canvasID, uid string, cell canvas.CellIndex) error
	Remove(ctx context.Context, canvasID, uid string) error
}

// Tracker 维护当前用户在一个画布上的 presence 条目：
// Mount 写入哨兵值，SetPosition 覆盖为选中的格子，Clear 删除整个条目。
// 挂载期间按 heartbeat 周期重写当前值，远端据此清理异常断开的用户。
type Tracker struct {
	w         Writer
	canvasID  string
	uid       string
	heartbeat time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	cell    canvas.CellIndex
	mounted bool
	stop    context.CancelFunc
	done    chan struct{}
}

func NewTracker(w Writer, canvasID, uid string, heartbeat time.Duration, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		w:         w,
		canvasID:  canvasID,
		uid:       uid,
		heartbeat: heartbeat,
		log:       log.With("canvas", canvasID, "uid", uid),
		cell:      canvas.NoCell,
	}
}

// Mount writes the sentinel entry and starts the heartbeat.
func (t *Tracker) Mount(ctx context.Context) error {
	if err := t.w.Set(ctx, t.canvasID, t.uid, canvas.NoCell); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mounted {
		t.cell = canvas.NoCell
		return nil
	}
	t.mounted = true
	t.cell = canvas.NoCell
	if t.heartbeat > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		t.stop = cancel
		t.done = make(chan struct{})
		go t.beat(hbCtx, t.done)
	}
	return nil
}

// SetPosition overwrites the entry with the selected cell; only one selection is kept.
func (t *Tracker) SetPosition(ctx context.Context, cell canvas.CellIndex) error {
	t.mu.Lock()
	if !t.mounted {
		t.mu.Unlock()
		return nil
	}
	t.cell = cell
	t.mu.Unlock()
	return t.w.Set(ctx, t.canvasID, t.uid, cell)
}

// Clear stops the heartbeat and deletes the entry, so observers see the user vanish
// instead of going idle.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.mounted = false
	t.stop, t.done = nil, nil
	t.cell = canvas.NoCell
	t.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return t.w.Remove(ctx, t.canvasID, t.uid)
}

func (t *Tracker) Position() canvas.CellIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cell
}

func (t *Tracker) beat(ctx context.Context, done chan struct{}) {
	defer close(done)
	tk := time.NewTicker(t.heartbeat)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		t.mu.Lock()
		cell := t.cell
		t.mu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, t.heartbeat)
		if err := t.w.Set(wctx, t.canvasID, t.uid, cell); err != nil && ctx.Err() == nil {
			t.log.Warn("presence heartbeat failed", "err", err)
		}
		cancel()
	}
}

// ObserveOthers returns the users actively selecting a cell, excluding self.
// An absent entry and the sentinel are both "not drawing", so sentinel entries are dropped.
func ObserveOthers(live canvas.LiveMap, self string) canvas.LiveMap {
	out := make(canvas.LiveMap, len(live))
	for uid, cell := range live {
		if uid == self || cell == canvas.NoCell {
			continue
		}
		out[uid] = cell
	}
	return out
}
