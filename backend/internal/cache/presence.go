package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/session"
)

// 清理心跳过期的成员：ZSET 与 Hash 同步删除
var purgeScript = redis.NewScript(`
-- KEYS[1] = heartbeatKey(canvasID)
-- KEYS[2] = liveKey(canvasID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// LivePresence 是基于 redis 的 presence 通道：
// Hash 保存 uid -> cell，ZSet 保存心跳过期时间，每次写入后 PUBLISH 一次变化通知。
type LivePresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log *slog.Logger
}

func NewLivePresence(rdb redis.UniversalClient, ttl time.Duration, log *slog.Logger) *LivePresence {
	if log == nil {
		log = slog.Default()
	}
	return &LivePresence{rdb: rdb, ttl: ttl, log: log}
}

var _ session.LivePresence = (*LivePresence)(nil)

func (p *LivePresence) Set(ctx context.Context, canvasID, uid string, cell canvas.CellIndex) error {
	// 刷新心跳也直接调用 Set
	tx := p.rdb.TxPipeline()
	tx.HSet(ctx, liveKey(canvasID), uid, int(cell))
	if p.ttl > 0 {
		expireAt := time.Now().Add(p.ttl).Unix()
		tx.ZAdd(ctx, heartbeatKey(canvasID), redis.Z{Score: float64(expireAt), Member: uid})
	}
	tx.Publish(ctx, liveChannel(canvasID), uid)
	_, err := tx.Exec(ctx)
	return err
}

func (p *LivePresence) Remove(ctx context.Context, canvasID, uid string) error {
	tx := p.rdb.TxPipeline()
	tx.HDel(ctx, liveKey(canvasID), uid)
	tx.ZRem(ctx, heartbeatKey(canvasID), uid)
	tx.Publish(ctx, liveChannel(canvasID), uid)
	_, err := tx.Exec(ctx)
	return err
}

// Snapshot purges entries whose heartbeat expired and returns the rest.
func (p *LivePresence) Snapshot(ctx context.Context, canvasID string) (canvas.LiveMap, error) {
	if p.ttl > 0 {
		now := time.Now().Unix()
		n, err := purgeScript.Run(ctx, p.rdb, []string{heartbeatKey(canvasID), liveKey(canvasID)}, now).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if n > 0 {
			p.log.Info("purged stale presence", "canvas", canvasID, "count", n)
		}
	}
	raw, err := p.rdb.HGetAll(ctx, liveKey(canvasID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	live := make(canvas.LiveMap, len(raw))
	for uid, v := range raw {
		cell, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		live[uid] = canvas.CellIndex(cell)
	}
	return live, nil
}

// Subscribe listens on the change channel and re-reads the whole map on every
// notification; bursts are coalesced because only the latest map matters.
func (p *LivePresence) Subscribe(ctx context.Context, canvasID string) (session.Feed[canvas.LiveMap], error) {
	ps := p.rdb.Subscribe(ctx, liveChannel(canvasID))
	// 等待订阅确认，之后的 PUBLISH 不会丢
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	fctx, cancel := context.WithCancel(ctx)
	f := &liveFeed{ch: make(chan canvas.LiveMap, 1), cancel: cancel, ps: ps}
	go p.listen(fctx, f, canvasID)
	return f, nil
}

func (p *LivePresence) listen(ctx context.Context, f *liveFeed, canvasID string) {
	defer close(f.ch)
	msgs := f.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					f.setErr(errors.New("presence channel closed"))
				}
				return
			}
		}
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		live, err := p.Snapshot(rctx, canvasID)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.setErr(err)
			return
		}
		// 只保留最新的一份
		select {
		case <-f.ch:
		default:
		}
		f.ch <- live
	}
}

type liveFeed struct {
	ch     chan canvas.LiveMap
	cancel context.CancelFunc
	ps     *redis.PubSub

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (f *liveFeed) Events() <-chan canvas.LiveMap { return f.ch }

func (f *liveFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *liveFeed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *liveFeed) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		err = f.ps.Close()
	})
	return err
}
