package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Notification struct {
	Token  string
	FireAt time.Time
	Title  string
	Body   string
	Link   string
}

// Sender 立即发送一条推送（FCM 或日志）。
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Scheduler 在 FireAt 时刻发送通知。同一个 token 只保留最近一次计划，
// 新的计划会替换还没触发的旧计划。
type Scheduler struct {
	sender  Sender
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

func NewScheduler(s Sender, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		sender:  s,
		timeout: 10 * time.Second,
		log:     log,
		now:     time.Now,
		pending: make(map[string]*time.Timer),
	}
}

// Schedule posts n at n.FireAt; a past FireAt fires immediately. It never blocks on
// the send itself.
func (s *Scheduler) Schedule(ctx context.Context, n Notification) error {
	if n.Token == "" {
		return nil
	}
	delay := n.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if old, ok := s.pending[n.Token]; ok && old.Stop() {
		s.wg.Done()
	}
	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.pending[n.Token] == timer {
			delete(s.pending, n.Token)
		}
		s.mu.Unlock()

		sctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.sender.Send(sctx, n); err != nil {
			s.log.Warn("push failed", "err", err)
		}
	})
	s.pending[n.Token] = timer
	return nil
}

// Pending is the number of notifications not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close drops notifications that have not fired yet and waits for in-flight sends.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for token, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, token)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// LogSender 在没有配置 FCM 时使用。
type LogSender struct{ Log *slog.Logger }

func (l LogSender) Send(ctx context.Context, n Notification) error {
	lg := l.Log
	if lg == nil {
		lg = slog.Default()
	}
	lg.Info("local notification", "title", n.Title, "body", n.Body, "link", n.Link)
	return nil
}
