package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConcurrentLimit != 5000 || cfg.OutboxLimit != 1000 {
		t.Fatalf("limits=%d/%d", cfg.ConcurrentLimit, cfg.OutboxLimit)
	}
	if cfg.AliveTimeout != 90*time.Second || cfg.CheckInterval != 300*time.Millisecond {
		t.Fatalf("timers=%v/%v", cfg.AliveTimeout, cfg.CheckInterval)
	}
	if cfg.BroadcastChannel != "PEER::SIGNAL::CHANNEL" {
		t.Fatalf("channel=%q", cfg.BroadcastChannel)
	}
	if cfg.SignalPath() != "/peerjs" {
		t.Fatalf("path=%q", cfg.SignalPath())
	}
}

func TestLoad_FileEnvAndFlag(t *testing.T) {
	p := writeConfig(t, `
path: /signal/
key: secret
concurrent_limit: 10
alive_timeout: 30s
redis:
  cluster: true
  cluster_nodes: ["r1:6379", "r2:6379"]
`)
	t.Setenv("SIGNAL_KEY", "from-env")
	t.Setenv("SIGNAL_REDIS_PASSWORD", "pw")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 9000, "")
	if err := flags.Parse([]string{"--port", "7001"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := Load(p, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Key != "from-env" {
		t.Fatalf("key=%q, want env override", cfg.Key)
	}
	if cfg.Port != 7001 {
		t.Fatalf("port=%d, want flag value", cfg.Port)
	}
	if cfg.ConcurrentLimit != 10 || cfg.AliveTimeout != 30*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.Redis.Cluster || len(cfg.Redis.ClusterNodes) != 2 || cfg.Redis.Password != "pw" {
		t.Fatalf("redis=%+v", cfg.Redis)
	}
	if cfg.SignalPath() != "/signal/peerjs" {
		t.Fatalf("path=%q", cfg.SignalPath())
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestValidate(t *testing.T) {
	p := writeConfig(t, "key: \"\"\nconcurrent_limit: 0\n")
	_, err := Load(p, nil)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"key", "concurrent_limit"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
