package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"canvasServer/backend/internal/collab"
	"canvasServer/backend/internal/metrics"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Options struct {
	// 每个连接的消息速率与突发上限
	RatePerSecond float64
	Burst         int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Manager struct {
	engine *collab.Engine
	opt    Options
	log    *slog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewManager(engine *collab.Engine, opt Options) *Manager {
	if opt.RatePerSecond <= 0 {
		opt.RatePerSecond = 20
	}
	if opt.Burst <= 0 {
		opt.Burst = 40
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Manager{engine: engine, opt: opt, log: opt.Logger, conns: make(map[*Conn]struct{})}
}

// WebSocketConnect upgrades the request and serves it until the peer disconnects.
// The uid comes from the auth middleware.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	uid := c.GetString("uid")
	if uid == "" {
		c.JSON(500, gin.H{"error": "User context missing"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade error", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	lg := m.log.With("uid", uid, "conn", uuid.NewString())
	wsConn := NewConn(conn, uid, m.engine.NewClient(uid), rate.NewLimiter(rate.Limit(m.opt.RatePerSecond), m.opt.Burst), lg)
	if m.opt.Metrics != nil {
		wsConn.onLimited = m.opt.Metrics.WSRateLimited.Inc
		m.opt.Metrics.WSConnections.Inc()
		defer m.opt.Metrics.WSConnections.Dec()
	}

	m.add(wsConn)
	defer m.remove(wsConn)
	lg.Info("websocket connected")
	wsConn.Serve()
	lg.Info("websocket disconnected")
}

func (m *Manager) add(c *Conn) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

// Len is the number of connected clients.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll drops every connection; each Serve then runs its normal teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.conns {
		_ = c.ws.Close()
	}
}
