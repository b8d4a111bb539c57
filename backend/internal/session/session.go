package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/intent"
	"canvasServer/backend/internal/presence"
)

type State int

const (
	Idle State = iota
	Attaching
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Attaching:
		return "ATTACHING"
	case Live:
		return "LIVE"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Session 是一个画布的一次 open/close。状态只会 IDLE -> ATTACHING -> LIVE -> CLOSED 前进，
// ATTACHING -> LIVE 只由快照读取完成触发。
type Session struct {
	m        *Manager
	canvasID string
	uid      string
	emit     func(intent.Intent)
	tracker  *presence.Tracker
	log      *slog.Logger

	mu     sync.Mutex
	state  State
	err    error
	canvas *canvas.Canvas

	ctx    context.Context
	cancel context.CancelFunc
	cells  Feed[canvas.CellUpdate]
	live   Feed[canvas.LiveMap]
	done   chan struct{}

	closeOnce sync.Once
}

type snapshotResult struct {
	cells map[canvas.CellIndex]canvas.CellLog
	live  canvas.LiveMap
	err   error
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the session stopped advancing because of one.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) CanvasID() string { return s.canvasID }

// Done is closed when the event loop stops (terminal failure or Close).
func (s *Session) Done() <-chan struct{} { return s.done }

// Tracker is this user's presence entry on the canvas.
func (s *Session) Tracker() *presence.Tracker { return s.tracker }

// Open reads the canvas metadata, attaches both listeners and starts the snapshot read.
// It returns once the session is ATTACHING; OPEN_SUCCESS is emitted later by the event loop.
// A missing canvas emits OPEN_NOT_FOUND and leaves the session IDLE.
func (s *Session) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.mu.Unlock()

	mctx, cancel := context.WithTimeout(ctx, s.m.opt.SnapshotTimeout)
	c, err := s.m.meta.Get(mctx, s.canvasID)
	cancel()
	if errors.Is(err, canvas.ErrNotFound) {
		s.emit(intent.OpenNotFound(s.canvasID, err))
		return err
	}
	if err != nil {
		return s.fail(transportErr("read metadata", err))
	}

	s.mu.Lock()
	if s.state != Idle {
		// Close 抢先了
		s.mu.Unlock()
		return ErrClosed
	}
	s.canvas = c
	s.state = Attaching
	s.mu.Unlock()
	s.log.Info("session attaching")

	cells, err := s.m.log.Subscribe(s.ctx, s.canvasID)
	if err != nil {
		return s.fail(transportErr("subscribe cells", err))
	}
	live, err := s.m.live.Subscribe(s.ctx, s.canvasID)
	if err != nil {
		_ = cells.Close()
		return s.fail(transportErr("subscribe live", err))
	}
	s.mu.Lock()
	if s.state == Closed {
		// Close 在订阅期间执行，没有看到这两个 feed
		s.mu.Unlock()
		_ = cells.Close()
		_ = live.Close()
		return ErrClosed
	}
	s.cells, s.live = cells, live
	s.mu.Unlock()

	snap := make(chan snapshotResult, 1)
	go func() { snap <- s.readSnapshot(s.ctx) }()
	go s.run(snap)
	return nil
}

// run is the session's event loop. Appends that arrive while ATTACHING are held and
// reconciled against the snapshot by key; presence changes before LIVE are dropped
// because mounting our own entry triggers a fresh one.
func (s *Session) run(snap <-chan snapshotResult) {
	defer close(s.done)
	var (
		pending []canvas.CellUpdate
		hw      canvas.Key // 快照 + catch-up 中最大的 key
	)
	cellEvents := s.cells.Events()
	liveEvents := s.live.Events()

	for {
		select {
		case <-s.ctx.Done():
			return

		case res := <-snap:
			snap = nil
			if res.err != nil {
				s.fail(transportErr("snapshot", res.err))
				return
			}
			// 已经送达但还没读出来的追加也属于 catch-up
		drain:
			for {
				select {
				case u, ok := <-cellEvents:
					if !ok {
						break drain
					}
					pending = append(pending, u)
				default:
					break drain
				}
			}
			hw = s.goLive(res, pending)
			pending = nil

		case u, ok := <-cellEvents:
			if !ok {
				s.feedClosed("cell feed", s.cells.Err())
				return
			}
			if s.State() != Live {
				pending = append(pending, u)
				continue
			}
			// 日志全序：不晚于 hw 的 key 已经包含在 OPEN_SUCCESS 里
			if hw != "" && canvas.Compare(u.ID, hw) <= 0 {
				continue
			}
			hw = u.ID
			s.emit(intent.UpdateCell(s.canvasID, u))

		case lm, ok := <-liveEvents:
			if !ok {
				s.feedClosed("live feed", s.live.Err())
				return
			}
			if s.State() != Live {
				continue
			}
			s.emit(intent.SetLivePositions(s.canvasID, lm))
		}
	}
}

func (s *Session) goLive(res snapshotResult, pending []canvas.CellUpdate) canvas.Key {
	cells := res.cells
	if cells == nil {
		cells = make(map[canvas.CellIndex]canvas.CellLog)
	}
	var hw canvas.Key
	for _, log := range cells {
		for _, u := range log {
			if hw == "" || canvas.Compare(u.ID, hw) > 0 {
				hw = u.ID
			}
		}
	}
	held := 0
	for _, u := range pending {
		var added bool
		cells[u.Cell], added = cells[u.Cell].Append(u)
		if added {
			held++
		}
		if hw == "" || canvas.Compare(u.ID, hw) > 0 {
			hw = u.ID
		}
	}

	mctx, cancel := context.WithTimeout(s.ctx, s.m.opt.SnapshotTimeout)
	if err := s.tracker.Mount(mctx); err != nil {
		s.log.Warn("mount presence failed", "err", err)
	}
	cancel()

	live := maps.Clone(res.live)
	if live == nil {
		live = make(canvas.LiveMap)
	}
	live[s.uid] = canvas.NoCell

	s.mu.Lock()
	if s.state != Attaching {
		s.mu.Unlock()
		return hw
	}
	s.state = Live
	c := s.canvas.Clone()
	s.mu.Unlock()

	s.log.Info("session live", "pending", len(pending), "applied_after_snapshot", held)
	s.emit(intent.OpenSuccess(c, cells, live))
	return hw
}

func (s *Session) feedClosed(what string, err error) {
	if s.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New(what + " closed")
	}
	s.fail(transportErr(what, err))
}

// fail records a terminal error and emits UPDATE_FAILURE. The state machine stops
// advancing; Close is still required to release the presence entry.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state == Closed || s.err != nil {
		s.mu.Unlock()
		return err
	}
	s.err = err
	s.mu.Unlock()
	s.log.Error("session failed", "err", err)
	s.emit(intent.UpdateFailure(s.canvasID, err))
	return err
}

// readSnapshot runs the one-shot read under a timeout, retrying with doubling backoff.
func (s *Session) readSnapshot(ctx context.Context) snapshotResult {
	opt := s.m.opt
	backoff := opt.RetryBackoff
	var last error
	for attempt := 0; attempt <= opt.SnapshotRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn("snapshot read retry", "attempt", attempt, "err", last)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return snapshotResult{err: ctx.Err()}
			}
			backoff *= 2
			if limit := 8 * opt.RetryBackoff; backoff > limit {
				backoff = limit
			}
		}
		res := s.readOnce(ctx)
		if res.err == nil {
			return res
		}
		last = res.err
		if ctx.Err() != nil {
			return snapshotResult{err: ctx.Err()}
		}
	}
	return snapshotResult{err: last}
}

func (s *Session) readOnce(ctx context.Context) snapshotResult {
	rctx, cancel := context.WithTimeout(ctx, s.m.opt.SnapshotTimeout)
	defer cancel()
	cells, err := s.m.log.Snapshot(rctx, s.canvasID)
	if err != nil {
		return snapshotResult{err: err}
	}
	live, err := s.m.live.Snapshot(rctx, s.canvasID)
	if err != nil {
		return snapshotResult{err: err}
	}
	return snapshotResult{cells: cells, live: live}
}

// SetPosition overwrites this user's presence entry; ignored unless LIVE.
func (s *Session) SetPosition(ctx context.Context, cell canvas.CellIndex) error {
	if s.State() != Live {
		return nil
	}
	if err := s.tracker.SetPosition(ctx, cell); err != nil {
		return transportErr("set presence", err)
	}
	return nil
}

// Close detaches both listeners and deletes this user's presence entry. It is
// idempotent; the delete is issued even when the transport is already degraded.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		cells, live := s.cells, s.live
		s.mu.Unlock()

		s.cancel()
		if cells != nil {
			_ = cells.Close()
		}
		if live != nil {
			_ = live.Close()
			<-s.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.m.opt.SnapshotTimeout)
		defer cancel()
		if e := s.tracker.Clear(ctx); e != nil {
			err = transportErr("remove presence", e)
			s.log.Warn("remove presence failed", "err", e)
		}
		s.m.release(s)
		s.log.Info("session closed")
	})
	return err
}
