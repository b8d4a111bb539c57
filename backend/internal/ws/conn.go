package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/collab"
	"canvasServer/backend/internal/cooldown"
	"canvasServer/backend/internal/intent"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

type Conn struct {
	ws      *websocket.Conn
	uid     string
	client  *collab.Client
	limiter *rate.Limiter
	log     *slog.Logger
	// onLimited 在消息被限流时调用（metrics）
	onLimited func()

	// send 只在 done 关闭前被消费；满了就丢弃
	send chan ServerMessage
	done chan struct{}

	mu           sync.Mutex
	stopCooldown context.CancelFunc
}

func NewConn(ws *websocket.Conn, uid string, client *collab.Client, limiter *rate.Limiter, log *slog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		uid:     uid,
		client:  client,
		limiter: limiter,
		log:     log,
		send:    make(chan ServerMessage, 64),
		done:    make(chan struct{}),
	}
}

func (c *Conn) SendMessage_Enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
		c.log.Warn("send queue full, message dropped", "type", msg.Type)
	}
}

// Serve runs the connection until the peer goes away. It owns the client: on return
// the open canvas is closed (presence removed) and the store is shut down.
func (c *Conn) Serve() {
	events, unsubscribe := c.client.Store.Subscribe(256)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pump(events, unsubscribe)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.SendMessage_Enqueue(ServerMessage{Type: "welcome", Content: "connected as " + c.uid})
	c.readLoop()

	// 先关 done，pump 看到订阅结束就退出而不是重新订阅
	close(c.done)
	c.client.Store.Dispatch(intent.Close())
	c.client.Shutdown()
	wg.Wait()
	// pump 已退出，不会再有新的倒计时
	c.setCooldown("", time.Time{})
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read json error", "err", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			if c.onLimited != nil {
				c.onLimited()
			}
			c.SendMessage_Enqueue(errorMessage("RATE_LIMITED", "too many messages"))
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg ClientMessage) {
	st := c.client.Store.State()
	var in intent.Intent
	switch msg.Type {
	case "ping":
		c.SendMessage_Enqueue(ServerMessage{Type: "pong"})
		return
	case "open":
		if msg.CanvasID == "" {
			c.SendMessage_Enqueue(errorMessage("BAD_REQUEST", "canvasId required"))
			return
		}
		in = intent.Open(msg.CanvasID)
	case "close":
		in = intent.Close()
	case "select_cell":
		cell, err := cellOf(msg, st.Canvas)
		if err != nil {
			c.SendMessage_Enqueue(errorMessage("BAD_CELL", err.Error()))
			return
		}
		in = intent.SelectCell(cell)
	case "select_color":
		if !canvas.ValidColor(msg.Color) {
			c.SendMessage_Enqueue(errorMessage("BAD_COLOR", fmt.Sprintf("invalid color %q", msg.Color)))
			return
		}
		in = intent.SelectColor(msg.Color)
	case "draw":
		in = intent.Draw()
		if msg.Cell != nil || msg.Row != nil {
			cell, err := cellOf(msg, st.Canvas)
			if err != nil {
				c.SendMessage_Enqueue(errorMessage("BAD_CELL", err.Error()))
				return
			}
			in.Cell = cell
		}
		in.Color = msg.Color
	case "join":
		if msg.CanvasID == "" {
			c.SendMessage_Enqueue(errorMessage("BAD_REQUEST", "canvasId required"))
			return
		}
		in = intent.Join(msg.CanvasID)
	case "register_device":
		in = intent.RegisterDevice(msg.Token)
	default:
		c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		return
	}
	if !c.client.Store.Dispatch(in) {
		c.SendMessage_Enqueue(ServerMessage{Type: "rejected", Content: msg.Type})
	}
}

// cellOf reads the cell from either the index or the row/col pair; -1 clears the selection.
func cellOf(msg ClientMessage, c *canvas.Canvas) (canvas.CellIndex, error) {
	if c == nil {
		return canvas.NoCell, canvas.ErrNotFound
	}
	if msg.Cell != nil {
		cell := canvas.CellIndex(*msg.Cell)
		if cell != canvas.NoCell && !cell.Valid(c.GridWidth) {
			return canvas.NoCell, fmt.Errorf("cell %d: %w", cell, canvas.ErrCellOutOfRange)
		}
		return cell, nil
	}
	if msg.Row == nil || msg.Col == nil {
		return canvas.NoCell, fmt.Errorf("cell or row/col required: %w", canvas.ErrCellOutOfRange)
	}
	return canvas.IndexOf(*msg.Row, *msg.Col, c.GridWidth)
}

// pump 转发订阅到的 intent。订阅因为跟不上被 store 断开时，重新订阅并推送一份完整画布。
func (c *Conn) pump(events <-chan intent.Intent, unsubscribe func()) {
	for {
		c.forward(events)
		unsubscribe()
		select {
		case <-c.done:
			return
		default:
		}
		if c.client.Store.Closed() {
			return
		}
		c.log.Warn("intent stream overflowed, resyncing", "uid", c.uid)
		// 先订阅再取快照，之后的增量不会漏掉
		events, unsubscribe = c.client.Store.Subscribe(256)
		c.resync()
	}
}

// resync 推送 store 当前的画布，替代掉队期间丢失的增量。
func (c *Conn) resync() {
	st := c.client.Store.State()
	v := c.client.Store.Viz()
	if st.Canvas == nil || v == nil || v.Loading || v.ID != st.CanvasID {
		return
	}
	c.SendMessage_Enqueue(ServerMessage{
		Type:     "resync",
		CanvasID: v.ID,
		Canvas:   st.Canvas,
		Cells:    resolvedGrid(st.Canvas, v.Cells),
		Live:     others(v.Live, c.uid),
	})
	c.setCooldown(v.ID, st.Canvas.NextDrawAt)
}

// forward 把 store 接受的 intent 推给客户端，并在冷却开始/画布切换时重启倒计时。
func (c *Conn) forward(events <-chan intent.Intent) {
	for in := range events {
		if msg, ok := toServer(in, c.uid, c.client.Store.Resolve); ok {
			c.SendMessage_Enqueue(msg)
		}
		switch in.Kind {
		case intent.KindOpenSuccess:
			if st := c.client.Store.State(); st.Canvas != nil && st.CanvasID == in.CanvasID {
				c.setCooldown(in.CanvasID, st.Canvas.NextDrawAt)
			}
		case intent.KindDrawSuccess:
			if c.client.Store.State().CanvasID == in.CanvasID {
				c.setCooldown(in.CanvasID, in.NextDrawAt)
			}
		case intent.KindClose, intent.KindOpen:
			c.setCooldown("", time.Time{})
		}
	}
}

func (c *Conn) setCooldown(canvasID string, next time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCooldown != nil {
		c.stopCooldown()
		c.stopCooldown = nil
	}
	if canvasID == "" || cooldown.CanDraw(time.Now(), next) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopCooldown = cancel
	go func() {
		for left := range cooldown.Countdown(ctx, next, nil, time.Second) {
			c.SendMessage_Enqueue(cooldownMessage(canvasID, left))
		}
	}()
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Info("write json error", "err", err)
				// 让 readLoop 尽快退出
				_ = c.ws.Close()
				<-c.done
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
