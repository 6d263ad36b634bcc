package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default settings must validate: %v", err)
	}
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected 30s heartbeat interval, got %v", cfg.Server.HeartbeatInterval)
	}
	if cfg.Server.ReconnectGracePeriod != 300*time.Second {
		t.Fatalf("expected 300s reconnect grace, got %v", cfg.Server.ReconnectGracePeriod)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("REPLAYD_HOST", "0.0.0.0")
	t.Setenv("REPLAYD_PORT", "9000")
	t.Setenv("REPLAYD_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("REPLAYD_HEARTBEAT_TIMEOUT", "15s")
	t.Setenv("REPLAYD_DEBUG", "true")

	cfg := FromEnv()
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Fatalf("expected env listen overrides, got %s", cfg.Server.ListenAddr())
	}
	if cfg.Server.HeartbeatInterval != 5*time.Second || cfg.Server.HeartbeatTimeout != 15*time.Second {
		t.Fatalf("expected env heartbeat overrides, got %v/%v", cfg.Server.HeartbeatInterval, cfg.Server.HeartbeatTimeout)
	}
	if !cfg.Debug {
		t.Fatal("expected debug enabled from env")
	}
}

func TestLoadFileLayersOverBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replayd.yaml")
	doc := []byte("server:\n  port: 7777\nreplay:\n  snapshotDir: /tmp/snaps\n  initialCash: \"250000\"\n")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(Default(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Fatalf("expected file port override, got %d", cfg.Server.Port)
	}
	if cfg.Replay.SnapshotDir != "/tmp/snaps" || cfg.Replay.InitialCash != "250000" {
		t.Fatalf("expected replay overrides, got %+v", cfg.Replay)
	}
	// Untouched keys keep defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected default host preserved, got %s", cfg.Server.Host)
	}
}

func TestValidateRejectsBadHeartbeat(t *testing.T) {
	cfg := Apply(Default(), WithHeartbeat(60*time.Second, 30*time.Second))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure when timeout <= interval")
	}
}

func TestApplyOptions(t *testing.T) {
	cfg := Apply(Default(), WithListenAddress("10.0.0.5", 9100), WithDebug(true))
	if cfg.Server.ListenAddr() != "10.0.0.5:9100" {
		t.Fatalf("unexpected listen addr %s", cfg.Server.ListenAddr())
	}
	if !cfg.Debug {
		t.Fatal("expected debug option applied")
	}
}
