package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/cooldown"
	"canvasServer/backend/internal/intent"
	"canvasServer/backend/internal/presence"
)

type Options struct {
	SnapshotTimeout time.Duration
	SnapshotRetries int
	RetryBackoff    time.Duration
	PresenceTTL     time.Duration

	// 新建画布的默认值
	GridWidth           int
	DrawIntervalMinutes float64
	BackgroundColor     string
	Lifetime            time.Duration
}

func (o *Options) setDefaults() {
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 5 * time.Second
	}
	if o.SnapshotRetries < 0 {
		o.SnapshotRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.GridWidth <= 0 {
		o.GridWidth = 16
	}
	if o.BackgroundColor == "" {
		o.BackgroundColor = "#ffffff"
	}
}

// Manager owns the transports and creates one Session per (client, canvas).
type Manager struct {
	log  CellLog
	live LivePresence
	meta Metadata
	opt  Options
	now  func() time.Time
	lg   *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewManager(log CellLog, live LivePresence, meta Metadata, opt Options, lg *slog.Logger) *Manager {
	opt.setDefaults()
	if lg == nil {
		lg = slog.Default()
	}
	return &Manager{
		log:      log,
		live:     live,
		meta:     meta,
		opt:      opt,
		now:      time.Now,
		lg:       lg,
		sessions: make(map[*Session]struct{}),
	}
}

// SetClock replaces the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) Now() time.Time { return m.now() }

// NewSession returns an IDLE session for canvasID. emit receives every intent the
// session produces, in order.
func (m *Manager) NewSession(canvasID, uid string, emit func(intent.Intent)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	lg := m.lg.With("canvas", canvasID, "uid", uid)
	s := &Session{
		m:        m,
		canvasID: canvasID,
		uid:      uid,
		emit:     emit,
		tracker:  presence.NewTracker(m.live, canvasID, uid, m.heartbeat(), lg),
		log:      lg,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()
	return s
}

func (m *Manager) heartbeat() time.Duration {
	if m.opt.PresenceTTL <= 0 {
		return 0
	}
	return m.opt.PresenceTTL / 3
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

// Active is the number of sessions not yet closed.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every open session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}

// Draw validates and appends one cell update, then computes the next eligible draw
// time. c is the caller's view of the canvas (its NextDrawAt carries the cooldown).
// A failed append never touches any read-side session.
func (m *Manager) Draw(ctx context.Context, c *canvas.Canvas, uid string, cell canvas.CellIndex, color string) (canvas.CellUpdate, time.Time, error) {
	now := m.now()
	if c == nil {
		return canvas.CellUpdate{}, time.Time{}, canvas.ErrNotFound
	}
	if !cooldown.CanDraw(now, c.NextDrawAt) {
		return canvas.CellUpdate{}, time.Time{}, fmt.Errorf("%ds left: %w", cooldown.RemainingSeconds(now, c.NextDrawAt), cooldown.ErrCoolingDown)
	}
	if c.Expired(now) {
		return canvas.CellUpdate{}, time.Time{}, canvas.ErrExpired
	}
	if !cell.Valid(c.GridWidth) {
		return canvas.CellUpdate{}, time.Time{}, fmt.Errorf("cell %d: %w", cell, canvas.ErrCellOutOfRange)
	}
	if !canvas.ValidColor(color) {
		return canvas.CellUpdate{}, time.Time{}, fmt.Errorf("%q: %w", color, canvas.ErrInvalidColor)
	}

	// 日志只保存毫秒精度；乐观应用的副本必须和其他客户端读到的完全一致
	u := canvas.CellUpdate{Cell: cell, Time: now.Truncate(time.Millisecond).UTC(), Author: uid, Color: strings.ToLower(color)}
	id, err := m.log.Append(ctx, c.ID, u)
	if err != nil {
		return canvas.CellUpdate{}, time.Time{}, transportErr("append", err)
	}
	u.ID = id
	return u, cooldown.NextDrawAt(now, c.DrawInterval), nil
}

// Join adds uid to the canvas authors. A missing canvas returns canvas.ErrNotFound
// unwrapped by transport errors, so callers can tell the two apart.
func (m *Manager) Join(ctx context.Context, canvasID, uid string) (*canvas.Canvas, error) {
	c, err := m.meta.AddAuthor(ctx, canvasID, uid)
	if errors.Is(err, canvas.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, transportErr("join", err)
	}
	return c, nil
}

// Create stores a new canvas owned by uid.
func (m *Manager) Create(ctx context.Context, uid, name, background string) (*canvas.Canvas, error) {
	if background == "" {
		background = m.opt.BackgroundColor
	}
	if !canvas.ValidColor(background) {
		return nil, fmt.Errorf("background %q: %w", background, canvas.ErrInvalidColor)
	}
	now := m.now()
	c := &canvas.Canvas{
		ID:              uuid.NewString(),
		Name:            name,
		BackgroundColor: strings.ToLower(background),
		Creator:         uid,
		Authors:         []string{uid},
		GridWidth:       m.opt.GridWidth,
		DrawInterval:    m.opt.DrawIntervalMinutes,
		CreatedAt:       now,
	}
	if m.opt.Lifetime > 0 {
		c.ExpiresAt = now.Add(m.opt.Lifetime)
	}
	if err := m.meta.Create(ctx, c); err != nil {
		return nil, transportErr("create", err)
	}
	return c, nil
}

// Get reads canvas metadata.
func (m *Manager) Get(ctx context.Context, canvasID string) (*canvas.Canvas, error) {
	c, err := m.meta.Get(ctx, canvasID)
	if errors.Is(err, canvas.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, transportErr("read metadata", err)
	}
	return c, nil
}

// Grid resolves every cell of a canvas from a fresh snapshot read.
func (m *Manager) Grid(ctx context.Context, canvasID string) (*canvas.Canvas, []canvas.Resolved, error) {
	c, err := m.Get(ctx, canvasID)
	if err != nil {
		return nil, nil, err
	}
	cells, err := m.log.Snapshot(ctx, canvasID)
	if err != nil {
		return nil, nil, transportErr("snapshot", err)
	}
	return c, canvas.ResolveGrid(cells, c), nil
}
