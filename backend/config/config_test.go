package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Running.Port != 8082 || cfg.Canvas.GridWidth != 16 || cfg.Session.SnapshotTimeout != 5*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(cfg.Redis.Addrs) != 0 {
		t.Fatalf("redis addrs = %v", cfg.Redis.Addrs)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "canvas:\n  gridWidth: 32\n  drawIntervalMinutes: 0.5\nsession:\n  presenceTTL: 12s\nkafka:\n  brokers: [\"k1:9092\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "canvasConfig.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CANVAS_AUTH_SECRET", "from-env")
	t.Setenv("CANVAS_RUNNING_PORT", "9000")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Canvas.GridWidth != 32 || cfg.Canvas.DrawIntervalMinutes != 0.5 || cfg.Session.PresenceTTL != 12*time.Second {
		t.Fatalf("file values = %+v", cfg.Canvas)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "k1:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Auth.Secret != "from-env" || cfg.Running.Port != 9000 {
		t.Fatalf("env overrides = %q %d", cfg.Auth.Secret, cfg.Running.Port)
	}
}

func TestLoadBadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "canvasConfig.yaml"), []byte("canvas: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}
