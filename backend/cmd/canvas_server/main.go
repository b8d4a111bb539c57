package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gogpu/gg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"canvasServer/backend/config"
	"canvasServer/backend/internal/cache"
	"canvasServer/backend/internal/cloud"
	"canvasServer/backend/internal/collab"
	"canvasServer/backend/internal/httpapi/handlers"
	"canvasServer/backend/internal/httpapi/middleware"
	"canvasServer/backend/internal/metrics"
	"canvasServer/backend/internal/notify"
	"canvasServer/backend/internal/session"
	"canvasServer/backend/internal/snapshot"
	"canvasServer/backend/internal/store"
	"canvasServer/backend/internal/ws"
)

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}

type transports struct {
	cells session.CellLog
	live  session.LivePresence
	meta  session.Metadata
	rdb   redis.UniversalClient
}

// 没有 Redis 时退化为进程内传输；有 MySQL 时元数据落库，并在有 Redis 时加一层缓存。
func newTransports(ctx context.Context, cfg *config.Config, log *slog.Logger) (*transports, error) {
	t := &transports{}
	if len(cfg.Redis.Addrs) == 0 {
		log.Warn("redis not configured, using in-process transport")
		mem := cache.NewMemory()
		t.cells, t.live, t.meta = mem.CellLog(), mem.LivePresence(), mem.Metadata()
	} else {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		t.rdb = rdb
		t.cells = cache.NewCellLog(rdb, log)
		t.live = cache.NewLivePresence(rdb, cfg.Session.PresenceTTL, log)
	}

	if cfg.Mysql.DSN != "" {
		db, err := store.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, fmt.Errorf("mysql: %w", err)
		}
		cs := store.NewCanvasStore(db)
		if err := cs.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		t.meta = cs
	} else if t.meta == nil {
		return nil, errors.New("mysql.dsn is required when redis is configured")
	}
	if t.rdb != nil {
		t.meta = cache.NewCachedMetadata(t.rdb, t.meta, log)
	}
	return t, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg.Running.LogFormat)
	slog.SetDefault(log)
	gg.SetLogger(log.With("component", "render"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tr, err := newTransports(ctx, cfg, log)
	if err != nil {
		fatal(log, "init transports failed", err)
	}
	if tr.rdb != nil {
		defer tr.rdb.Close()
	}

	sessions := session.NewManager(tr.cells, tr.live, tr.meta, session.Options{
		SnapshotTimeout:     cfg.Session.SnapshotTimeout,
		SnapshotRetries:     cfg.Session.SnapshotRetries,
		RetryBackoff:        cfg.Session.RetryBackoff,
		PresenceTTL:         cfg.Session.PresenceTTL,
		GridWidth:           cfg.Canvas.GridWidth,
		DrawIntervalMinutes: cfg.Canvas.DrawIntervalMinutes,
		BackgroundColor:     cfg.Canvas.BackgroundColor,
		Lifetime:            cfg.Canvas.Lifetime,
	}, log)
	m.ActiveSessions(sessions.Active)

	// === 快照存储 + 推送 ===
	var (
		uploader snapshot.Uploader
		sender   notify.Sender = notify.LogSender{Log: log}
		localDir string
	)
	if cfg.Firebase.Bucket != "" || os.Getenv(cloud.CredentialsEnv) != "" {
		app, err := cloud.NewFirebaseApp(ctx, cfg.Firebase.CredentialsFile, cfg.Firebase.Bucket, log)
		if err != nil {
			fatal(log, "init firebase failed", err)
		}
		fu, err := snapshot.NewFirebaseUploader(ctx, app, cfg.Firebase.Bucket, cfg.Firebase.URLTTL)
		if err != nil {
			fatal(log, "init firebase storage failed", err)
		}
		uploader = fu
		fcm, err := notify.NewFCMSender(ctx, app)
		if err != nil {
			fatal(log, "init firebase messaging failed", err)
		}
		sender = fcm
	} else {
		lu, err := snapshot.NewLocalUploader(cfg.Firebase.LocalDir, cfg.Firebase.LocalBaseURL)
		if err != nil {
			fatal(log, "init local snapshot dir failed", err)
		}
		uploader, localDir = lu, lu.Dir()
		log.Warn("firebase not configured, snapshots stored locally", "dir", localDir)
	}
	publisher := snapshot.NewPublisher(snapshot.NewRenderer(cfg.Render.CellSize, ""), uploader, cfg.Render.Timeout, log)
	scheduler := notify.NewScheduler(sender, log)
	defer scheduler.Close()

	// === Kafka 本地队列 + worker 重试发送 ===
	var (
		events     collab.EventSink
		dispatcher *collab.KafkaDispatcher
		producer   sarama.SyncProducer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			fatal(log, "failed to connect kafka", err)
		}
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultSemaphore),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
				Logger:      log,
				OnDrop:      m.KafkaDropped.Inc,
			},
		)
		events = dispatcher
	}

	engine := collab.NewEngine(sessions, collab.EngineOptions{
		Publisher: publisher,
		Events:    events,
		Notifier:  scheduler,
		RenderSem: collab.NewSemaphoreControl(cfg.Render.Concurrency),
		Hooks:     m.Hooks(),
		OnPublish: m.ObservePublish,
		Logger:    log,
	})
	wsManager := ws.NewManager(engine, ws.Options{
		RatePerSecond: cfg.WS.RatePerSecond,
		Burst:         cfg.WS.Burst,
		Metrics:       m,
		Logger:        log,
	})

	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.Monitor(m))

	// 路由
	verifier := middleware.NewVerifier(cfg.Auth.Secret)
	canvasGroup := r.Group("/canvas")
	canvasGroup.GET("/healthz", handlers.Healthz)
	authed := canvasGroup.Group("")
	// 从 Authorization 或 ?token= 提取 token，写入 uid
	authed.Use(middleware.AuthMiddleware(verifier, func(reason string) {
		m.AuthRejections.WithLabelValues(reason).Inc()
	}))
	authed.GET("/ws", wsManager.WebSocketConnect)
	handlers.NewCanvasHandler(sessions, publisher, log).Register(authed)

	r.GET("/metrics", middleware.BasicAuth(cfg.Metrics.User, cfg.Metrics.Password), gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	if localDir != "" {
		r.Static("/snapshots", localDir)
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		log.Info("canvas server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "http server failed", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// websocket 连接被 hijack，不受 Shutdown 管理，先主动断开
	wsManager.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	sessions.CloseAll()
	if dispatcher != nil {
		dispatcher.Close()
		_ = producer.Close()
	}
}
