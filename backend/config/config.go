package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// json | text
		LogFormat string `mapstructure:"logFormat"`
	} `mapstructure:"running"`
	Redis struct {
		// 为空时使用进程内传输（仅适合单实例开发）
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Firebase struct {
		CredentialsFile string        `mapstructure:"credentialsFile"`
		Bucket          string        `mapstructure:"bucket"`
		URLTTL          time.Duration `mapstructure:"urlTTL"`
		// 没有配置 bucket 时快照写到本地目录
		LocalDir     string `mapstructure:"localDir"`
		LocalBaseURL string `mapstructure:"localBaseURL"`
	} `mapstructure:"firebase"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Metrics struct {
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
	} `mapstructure:"metrics"`
	Canvas struct {
		GridWidth           int           `mapstructure:"gridWidth"`
		DrawIntervalMinutes float64       `mapstructure:"drawIntervalMinutes"`
		BackgroundColor     string        `mapstructure:"backgroundColor"`
		Lifetime            time.Duration `mapstructure:"lifetime"`
	} `mapstructure:"canvas"`
	Session struct {
		SnapshotTimeout time.Duration `mapstructure:"snapshotTimeout"`
		SnapshotRetries int           `mapstructure:"snapshotRetries"`
		RetryBackoff    time.Duration `mapstructure:"retryBackoff"`
		PresenceTTL     time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"session"`
	Render struct {
		CellSize    int           `mapstructure:"cellSize"`
		Concurrency int           `mapstructure:"concurrency"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"render"`
	WS struct {
		RatePerSecond float64 `mapstructure:"ratePerSecond"`
		Burst         int     `mapstructure:"burst"`
	} `mapstructure:"ws"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.logFormat", "json")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "canvas-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("firebase.credentialsFile", "")
	v.SetDefault("firebase.bucket", "")
	v.SetDefault("firebase.urlTTL", 15*time.Minute)
	v.SetDefault("firebase.localDir", "./snapshots")
	v.SetDefault("firebase.localBaseURL", "/snapshots")
	v.SetDefault("auth.secret", "")
	v.SetDefault("metrics.user", "")
	v.SetDefault("metrics.password", "")
	v.SetDefault("canvas.gridWidth", 16)
	v.SetDefault("canvas.drawIntervalMinutes", 5.0)
	v.SetDefault("canvas.backgroundColor", "#ffffff")
	v.SetDefault("canvas.lifetime", 7*24*time.Hour)
	v.SetDefault("session.snapshotTimeout", 5*time.Second)
	v.SetDefault("session.snapshotRetries", 2)
	v.SetDefault("session.retryBackoff", 200*time.Millisecond)
	v.SetDefault("session.presenceTTL", 30*time.Second)
	v.SetDefault("render.cellSize", 16)
	v.SetDefault("render.concurrency", 4)
	v.SetDefault("render.timeout", 30*time.Second)
	v.SetDefault("ws.ratePerSecond", 20.0)
	v.SetDefault("ws.burst", 40)
}

// Load reads canvasConfig.yaml from paths (default: ./backend/config, ./config, .).
// A missing file is not an error; CANVAS_* environment variables override any key,
// e.g. CANVAS_REDIS_PASSWORD or CANVAS_AUTH_SECRET. A .env file is loaded first if present.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("canvasConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("CANVAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
