package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"canvasServer/backend/internal/canvas"
)

// Effect 处理一个 intent 的副作用，返回的 intent 会重新 Dispatch（例如 DRAW -> DRAW_SUCCESS）。
type Effect func(ctx context.Context, in Intent, st State) []Intent

// Observer 是尽力而为的副作用：错误只记录日志，不会产生新的 intent，也不会影响状态。
type Observer func(ctx context.Context, in Intent, st State) error

type observer struct {
	name string
	fn   Observer
}

type effectJob struct {
	e  Effect
	in Intent
	st State
}

// Hooks 让外部（metrics）观察总线，不参与逻辑。
type Hooks struct {
	OnDispatch      func(kind Kind, accepted bool)
	OnObserverError func(name string, kind Kind)
	// OnOverflow 在订阅者跟不上、被断开时调用
	OnOverflow func()
}

// Store 是每个客户端一个的状态容器 + 意图总线。
// Dispatch 在锁内串行执行 reduce 和通知，所以订阅者看到的顺序与状态变化顺序一致。
// Effect 按 Dispatch 顺序由一个 worker 依次执行（OPEN 之后的 CLOSE 一定在 OPEN 的 effect 之后运行）；
// Observer 各自在独立 goroutine 中运行。两者都不持有锁。
type Store struct {
	mu   sync.Mutex
	r    *reducer
	subs map[chan Intent]struct{}

	effects   map[Kind][]Effect
	observers map[Kind][]observer

	queue []effectJob
	wake  chan struct{}
	quit  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	log   *slog.Logger
	hooks Hooks
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

func NewStore(uid string, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		r:         newReducer(uid),
		subs:      make(map[chan Intent]struct{}),
		effects:   make(map[Kind][]Effect),
		observers: make(map[Kind][]observer),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("uid", uid)
	go s.work()
	return s
}

// Handle registers an effect for kind. Register before the first Dispatch.
func (s *Store) Handle(kind Kind, e Effect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects[kind] = append(s.effects[kind], e)
}

// Observe registers a best-effort observer for kind.
func (s *Store) Observe(kind Kind, name string, fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[kind] = append(s.observers[kind], observer{name: name, fn: fn})
}

// Subscribe returns a channel receiving every accepted intent in dispatch order.
// A subscriber that falls behind by more than buf intents is disconnected: its channel
// is closed, and the owner resubscribes and resyncs from State/Viz.
func (s *Store) Subscribe(buf int) (<-chan Intent, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Intent, buf)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// Dispatch reduces in and then runs its effects and observers. It reports whether the
// intent was accepted; stale intents (for a canvas that is no longer active) are dropped.
func (s *Store) Dispatch(in Intent) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	accepted := s.r.reduce(&in)
	if s.hooks.OnDispatch != nil {
		s.hooks.OnDispatch(in.Kind, accepted)
	}
	if !accepted {
		s.mu.Unlock()
		s.log.Debug("intent dropped", "kind", in.Kind, "canvas", in.CanvasID)
		return false
	}
	for ch := range s.subs {
		select {
		case ch <- in:
		default:
			// 丢一个就不再连续，直接断开让订阅者重新同步
			delete(s.subs, ch)
			close(ch)
			s.log.Warn("subscriber overflowed, disconnected", "kind", in.Kind, "canvas", in.CanvasID)
			if s.hooks.OnOverflow != nil {
				s.hooks.OnOverflow()
			}
		}
	}
	st := s.r.state.clone()
	observers := s.observers[in.Kind]
	effects := s.effects[in.Kind]
	s.wg.Add(len(effects) + len(observers))
	for _, e := range effects {
		s.queue = append(s.queue, effectJob{e: e, in: in, st: st})
	}
	s.mu.Unlock()

	if len(effects) > 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	for _, o := range observers {
		go s.runObserver(o, in, st)
	}
	return true
}

// work runs queued effects one at a time, in dispatch order.
func (s *Store) work() {
	for {
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			job := s.queue[0]
			s.queue[0] = effectJob{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.runEffect(job)
		}
	}
}

func (s *Store) runEffect(job effectJob) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("effect panic", "kind", job.in.Kind, "panic", fmt.Sprint(r))
		}
	}()
	// 产生的 intent 排在队尾，不会插到已排队的 effect 前面
	for _, out := range job.e(s.ctx, job.in, job.st) {
		s.Dispatch(out)
	}
}

func (s *Store) runObserver(o observer, in Intent, st State) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panic", "observer", o.name, "kind", in.Kind, "panic", fmt.Sprint(r))
		}
	}()
	if err := o.fn(s.ctx, in, st); err != nil {
		s.log.Warn("observer failed", "observer", o.name, "kind", in.Kind, "canvas", in.CanvasID, "err", err)
		if s.hooks.OnObserverError != nil {
			s.hooks.OnObserverError(o.name, in.Kind)
		}
	}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.state.clone()
}

// Viz returns a deep copy of the active canvas view, or nil when none is open.
func (s *Store) Viz() *canvas.Viz {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.viz.Clone()
}

// Resolve returns the displayed value of cell i on the open canvas.
func (s *Store) Resolve(i canvas.CellIndex) (canvas.Resolved, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.r.state.Canvas
	if s.r.viz == nil || c == nil || !i.Valid(c.GridWidth) {
		return canvas.Resolved{}, false
	}
	return s.r.viz.Resolve(i, c.Fallback()), true
}

// Closed reports whether Shutdown has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Wait blocks until every queued effect and running observer has returned, including
// the ones started by intents those effects dispatched.
func (s *Store) Wait() { s.wg.Wait() }

// Shutdown closes all subscriptions, cancels the store context and drains queued
// effects (they see the canceled context). Intents dispatched afterwards are dropped.
func (s *Store) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	close(s.quit)
}
