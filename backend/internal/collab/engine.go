package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/intent"
	"canvasServer/backend/internal/notify"
	"canvasServer/backend/internal/session"
)

type Publisher interface {
	Publish(ctx context.Context, c *canvas.Canvas, v *canvas.Viz) (string, error)
}

type EventSink interface {
	Enqueue(ctx context.Context, evt CellDrawnEvent) error
}

type Notifier interface {
	Schedule(ctx context.Context, n notify.Notification) error
}

type EngineOptions struct {
	// 可选的观察者依赖，nil 表示不启用
	Publisher Publisher
	Events    EventSink
	Notifier  Notifier

	// RenderSem 限制同时进行的快照渲染
	RenderSem *SemaphoreControl

	Hooks     intent.Hooks
	OnPublish func(err error)
	Logger    *slog.Logger
}

// Engine 为每个连接的客户端创建一个 intent.Store，并注册两类副作用：
// Handle 注册的改变状态的 effect（OPEN/CLOSE/DRAW/JOIN），
// Observe 注册的尽力而为的 observer（presence 写入、快照、Kafka、通知）。
type Engine struct {
	sessions *session.Manager
	opt      EngineOptions
	log      *slog.Logger
}

func NewEngine(sessions *session.Manager, opt EngineOptions) *Engine {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Engine{sessions: sessions, opt: opt, log: opt.Logger}
}

// Client is one connected user: its store plus the session of its open canvas.
type Client struct {
	UID   string
	Store *intent.Store

	e   *Engine
	mu  sync.Mutex
	cur *session.Session
}

func (e *Engine) NewClient(uid string) *Client {
	c := &Client{
		UID:   uid,
		Store: intent.NewStore(uid, intent.WithLogger(e.log), intent.WithHooks(e.opt.Hooks)),
		e:     e,
	}
	s := c.Store
	s.Handle(intent.KindOpen, c.open)
	s.Handle(intent.KindClose, c.close)
	s.Handle(intent.KindDraw, c.draw)
	s.Handle(intent.KindJoin, c.join)

	s.Observe(intent.KindSelectCell, "presence", c.setPosition)
	if e.opt.Publisher != nil {
		s.Observe(intent.KindDrawSuccess, "snapshot", c.publish)
	}
	if e.opt.Events != nil {
		s.Observe(intent.KindDrawSuccess, "kafka", c.emitEvent)
	}
	if e.opt.Notifier != nil {
		s.Observe(intent.KindDrawSuccess, "notify", c.scheduleNotice)
	}
	return c
}

// Shutdown stops the store first (queued effects drain against a canceled context,
// so no new session attaches), then closes the session that is still open.
func (c *Client) Shutdown() {
	c.Store.Shutdown()
	c.mu.Lock()
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
}

// stillActive reports whether canvasID is still the canvas the reducer has open.
func (c *Client) stillActive(ctx context.Context, canvasID string) bool {
	return ctx.Err() == nil && c.Store.State().CanvasID == canvasID
}

func (c *Client) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Client) open(ctx context.Context, in intent.Intent, st intent.State) []intent.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 打开新画布前先关闭旧的；旧画布晚到的事件会被 reducer 丢弃
	if c.cur != nil {
		_ = c.cur.Close()
		c.cur = nil
	}
	// 排队期间已经 CLOSE 或切到别的画布，就不再挂载
	if !c.stillActive(ctx, in.CanvasID) {
		return nil
	}
	s := c.e.sessions.NewSession(in.CanvasID, c.UID, func(out intent.Intent) { c.Store.Dispatch(out) })
	if err := s.Open(ctx); err != nil {
		// OPEN_NOT_FOUND / UPDATE_FAILURE 已由 session 发出
		_ = s.Close()
		return nil
	}
	if !c.stillActive(ctx, in.CanvasID) {
		_ = s.Close()
		return nil
	}
	c.cur = s
	return nil
}

func (c *Client) close(ctx context.Context, in intent.Intent, st intent.State) []intent.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.CanvasID() == in.CanvasID {
		_ = c.cur.Close()
		c.cur = nil
	}
	return nil
}

func (c *Client) draw(ctx context.Context, in intent.Intent, st intent.State) []intent.Intent {
	u, next, err := c.e.sessions.Draw(ctx, st.Canvas, c.UID, in.Cell, in.Color)
	if err != nil {
		return []intent.Intent{intent.DrawFailure(in.CanvasID, in.Cell, err)}
	}
	return []intent.Intent{intent.DrawSuccess(in.CanvasID, u, next)}
}

func (c *Client) join(ctx context.Context, in intent.Intent, st intent.State) []intent.Intent {
	cv, err := c.e.sessions.Join(ctx, in.CanvasID, c.UID)
	switch {
	case errors.Is(err, canvas.ErrNotFound):
		return []intent.Intent{intent.JoinNotFound(in.CanvasID, err)}
	case err != nil:
		return []intent.Intent{intent.JoinFailure(in.CanvasID, err)}
	}
	return []intent.Intent{intent.JoinSuccess(cv)}
}

func (c *Client) setPosition(ctx context.Context, in intent.Intent, st intent.State) error {
	s := c.session()
	if s == nil || s.CanvasID() != in.CanvasID {
		return nil
	}
	return s.SetPosition(ctx, in.Cell)
}

func (c *Client) publish(ctx context.Context, in intent.Intent, st intent.State) error {
	if st.Canvas == nil || st.Canvas.ID != in.CanvasID {
		return nil
	}
	v := c.Store.Viz()
	if v == nil || v.ID != in.CanvasID {
		return nil
	}
	if sem := c.e.opt.RenderSem; sem != nil {
		if err := sem.Acquire(ctx); err != nil {
			return err
		}
		defer sem.Release()
	}
	_, err := c.e.opt.Publisher.Publish(ctx, st.Canvas, v)
	if c.e.opt.OnPublish != nil {
		c.e.opt.OnPublish(err)
	}
	return err
}

func (c *Client) emitEvent(ctx context.Context, in intent.Intent, st intent.State) error {
	cv := st.Canvas
	if cv == nil || cv.ID != in.CanvasID {
		cv = &canvas.Canvas{ID: in.CanvasID}
	}
	ectx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	return c.e.opt.Events.Enqueue(ectx, NewCellDrawnEvent(cv, *in.Update, in.NextDrawAt))
}

func (c *Client) scheduleNotice(ctx context.Context, in intent.Intent, st intent.State) error {
	if st.DeviceToken == "" || in.NextDrawAt.IsZero() {
		return nil
	}
	name := in.CanvasID
	if st.Canvas != nil && st.Canvas.ID == in.CanvasID && st.Canvas.Name != "" {
		name = st.Canvas.Name
	}
	return c.e.opt.Notifier.Schedule(ctx, notify.Notification{
		Token:  st.DeviceToken,
		FireAt: in.NextDrawAt,
		Title:  "Ready to draw",
		Body:   "You can place another pixel on " + name + ".",
		Link:   "/canvas/" + in.CanvasID,
	})
}
