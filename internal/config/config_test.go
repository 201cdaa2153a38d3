package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sample = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"timezone": "Europe/Paris", "max_instances": 2, "lock_ttl": "2m"},
  "executor": {"workers": 4, "default_timeout": "30m"},
  "balancer": {"ceiling": 3, "every": "1h"},
  "cluster": {"driver": "memory"},
  "storage": {"driver": "sqlite", "path": "./jobmesh.db"},
  "notifier": {"enabled": true, "recipients": {"ops": {"chat_id": -100123}}},
  "api": {"enabled": true, "addr": "127.0.0.1:8080"}
}`

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.json", []byte(sample))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Scheduler.MaxInstances != 2 || cfg.NotifierOrDefault().Recipients["ops"].ChatID != -100123 {
		t.Fatalf("cfg=%+v", cfg)
	}

	tests := []struct {
		name, body, want string
	}{
		{"unknown field", `{"scheduler": {"workers": 2}}`, "unknown field"},
		{"trailing", `{} {}`, "trailing data"},
	}
	for _, tt := range tests {
		_, err := Decode("c.json", []byte(tt.body))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	body := `
scheduler:
  timezone: UTC
  reload_every: 30s
notifier:
  enabled: true
  recipients:
    ops:
      chat_id: 42
`
	cfg, err := Decode("c.yaml", []byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Scheduler.ReloadEvery != "30s" || cfg.Notifier.Recipients["ops"].ChatID != 42 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if _, err := Decode("c.yml", []byte("bogus: 1\n")); err == nil {
		t.Fatalf("unknown yaml key must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad duration", func(c *Config) { c.Scheduler.LockTTL = "soon" }, "LockTTL"},
		{"negative duration", func(c *Config) { c.Executor.CancelGrace = "-1s" }, "CancelGrace"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"postgres needs dsn", func(c *Config) { c.Cluster.Driver = "postgres" }, "DSN"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "redis" }, "Driver"},
		{"recipient without chat", func(c *Config) {
			c.Notifier.Recipients["dev"] = Recipient{}
		}, "ChatID"},
		{"api without addr", func(c *Config) { c.API.Addr = "" }, "api.addr"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "Timezone"},
	}
	for _, tt := range tests {
		cfg, err := Decode("c.json", []byte(sample))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		tt.mutate(cfg)
		err = Validate(cfg)
		switch {
		case tt.want == "" && err != nil:
			t.Fatalf("%s: %v", tt.name, err)
		case tt.want != "" && (err == nil || !strings.Contains(err.Error(), tt.want)):
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
}

func TestValidateRedactsSecrets(t *testing.T) {
	t.Parallel()

	cfg := &Config{Cluster: ClusterConfig{Driver: "postgres"}}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	cfg.Cluster = ClusterConfig{Driver: "nope", DSN: "postgres://user:secret@db"}
	err = Validate(cfg)
	if err == nil || strings.Contains(err.Error(), "secret") {
		t.Fatalf("err=%v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("JOBMESH_CLUSTER_DSN", "postgres://db/jobmesh")
	t.Setenv("JOBMESH_CLUSTER_DRIVER", "postgres")
	t.Setenv("JOBMESH_TELEGRAM_TOKEN", "123:abc")

	cfg, err := Decode("c.json", []byte(sample))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Cluster.Driver != "postgres" || cfg.Cluster.DSN != "postgres://db/jobmesh" || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unset variables must not clear file values")
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	t.Parallel()

	if err := LoadDotenv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	a, _ := Decode("c.json", []byte(sample))
	b, _ := Decode("c.json", []byte(sample))
	b.Logging.Level = "info"
	b.Telegram.Token = "secret-token"
	b.Cluster.DSN = "postgres://u:pw@db"

	changed, attrs := SummarizeChange(a, b)
	if want := []string{"logging", "cluster", "telegram"}; !slices.Equal(changed, want) {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := NeedsRestart(changed); !slices.Equal(got, []string{"cluster"}) {
		t.Fatalf("restart=%v", got)
	}
}

func TestManagerWatchPublishes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobmesh.json")
	if err := os.WriteFile(path, []byte(`{"balancer": {"ceiling": 2}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"balancer": {"ceiling": 5}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Balancer.Ceiling != 5 || m.Get().Balancer.Ceiling != 5 {
			t.Fatalf("published %+v", cfg.Balancer)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
}
