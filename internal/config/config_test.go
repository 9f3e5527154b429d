package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Hub.ChannelDir != DefaultChannelDir {
		t.Errorf("Hub.ChannelDir = %q, want %q", cfg.Hub.ChannelDir, DefaultChannelDir)
	}
	if cfg.Hub.MaxPayloadBytes != 65536 {
		t.Errorf("Hub.MaxPayloadBytes = %d, want 65536", cfg.Hub.MaxPayloadBytes)
	}
	if cfg.Hub.ReadTimeout() != 500*time.Millisecond {
		t.Errorf("Hub.ReadTimeout() = %v, want 500ms", cfg.Hub.ReadTimeout())
	}
	if cfg.Hub.HistorySize != 50 {
		t.Errorf("Hub.HistorySize = %d, want 50", cfg.Hub.HistorySize)
	}
	if cfg.Hook.DialTimeout() != 300*time.Millisecond {
		t.Errorf("Hook.DialTimeout() = %v, want 300ms", cfg.Hook.DialTimeout())
	}
	if cfg.Knowledge.Backend != BackendFile {
		t.Errorf("Knowledge.Backend = %q, want %q", cfg.Knowledge.Backend, BackendFile)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default().Validate() = %v, want no errors", errs)
	}
}

func TestDurations(t *testing.T) {
	hub := HubConfig{ShutdownGraceMs: 1500, KnowledgeTimeoutMs: 250}
	if hub.ShutdownGrace() != 1500*time.Millisecond {
		t.Errorf("ShutdownGrace() = %v", hub.ShutdownGrace())
	}
	if hub.KnowledgeTimeout() != 250*time.Millisecond {
		t.Errorf("KnowledgeTimeout() = %v", hub.KnowledgeTimeout())
	}
}

func TestChannelPath(t *testing.T) {
	hub := HubConfig{ChannelDir: "/tmp/imp"}
	if got := hub.ChannelPath("a1"); got != "/tmp/imp/a1.sock" {
		t.Errorf("ChannelPath() = %q", got)
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name string
		cfg  KnowledgeConfig
		want string
	}{
		{"file default", KnowledgeConfig{Backend: BackendFile}, "/state/knowledge.jsonl"},
		{"sqlite default", KnowledgeConfig{Backend: BackendSQLite}, "/state/knowledge.db"},
		{"explicit", KnowledgeConfig{Backend: BackendSQLite, Path: "/data/k.db"}, "/data/k.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ResolvePath("/state"); got != tt.want {
				t.Errorf("ResolvePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := ConfigDir(); got != "/custom/config/impromptu" {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != "/custom/config/impromptu/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestStateDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/custom/state")
	if got := StateDir(); got != "/custom/state/impromptu" {
		t.Errorf("StateDir() = %q", got)
	}
}

func TestLoad(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := `
hub:
  channel_dir: /tmp/imp-test
  history_size: 10
knowledge:
  backend: sqlite
agents:
  - planner
  - coder
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	SetDefaults()
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hub.ChannelDir != "/tmp/imp-test" {
		t.Errorf("Hub.ChannelDir = %q", cfg.Hub.ChannelDir)
	}
	if cfg.Hub.HistorySize != 10 {
		t.Errorf("Hub.HistorySize = %d, want 10", cfg.Hub.HistorySize)
	}
	if cfg.Hub.ReadTimeoutMs != 500 {
		t.Errorf("Hub.ReadTimeoutMs = %d, want default 500", cfg.Hub.ReadTimeoutMs)
	}
	if cfg.Knowledge.Backend != BackendSQLite {
		t.Errorf("Knowledge.Backend = %q", cfg.Knowledge.Backend)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1] != "coder" {
		t.Errorf("Agents = %v", cfg.Agents)
	}
}

func TestLoad_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("hub.read_timeout_ms", 0)
	viper.Set("knowledge.backend", "mongo")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() succeeded, want validation error")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(verrs), verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"relative channel dir", func(c *Config) { c.Hub.ChannelDir = "sockets" }, "hub.channel_dir"},
		{"channel dir too long", func(c *Config) { c.Hub.ChannelDir = "/" + strings.Repeat("d", 120) }, "hub.channel_dir"},
		{"empty state dir", func(c *Config) { c.Hub.StateDir = "" }, "hub.state_dir"},
		{"zero payload cap", func(c *Config) { c.Hub.MaxPayloadBytes = 0 }, "hub.max_payload_bytes"},
		{"history zero", func(c *Config) { c.Hub.HistorySize = 0 }, "hub.history_size"},
		{"negative grace", func(c *Config) { c.Hub.ShutdownGraceMs = -1 }, "hub.shutdown_grace_ms"},
		{"knowledge timeout", func(c *Config) { c.Hub.KnowledgeTimeoutMs = 0 }, "hub.knowledge_timeout_ms"},
		{"dial timeout", func(c *Config) { c.Hook.DialTimeoutMs = 0 }, "hook.dial_timeout_ms"},
		{"bad backend", func(c *Config) { c.Knowledge.Backend = "etcd" }, "knowledge.backend"},
		{"redis without addr", func(c *Config) {
			c.Knowledge.Backend = BackendRedis
			c.Knowledge.RedisAddr = ""
		}, "knowledge.redis_addr"},
		{"tmux session with colon", func(c *Config) { c.Tmux.Session = "a:b" }, "tmux.session"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"huge log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
		{"agent with slash", func(c *Config) { c.Agents = []string{"a/b"} }, "agents[0]"},
		{"duplicate agent", func(c *Config) { c.Agents = []string{"a", "a"} }, "agents[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("Validate() returned %d errors, want 1: %v", len(errs), errs)
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestValidateAgentID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"a1", false},
		{"0f6c1b5e-8a59-4e0a-9f1e-3c0e4f1f2a3b", false},
		{"planner.v2", false},
		{"", true},
		{"a/b", true},
		{`a\b`, true},
		{"..", true},
		{"x..y", true},
		{strings.Repeat("x", 100), true},
	}
	for _, tt := range tests {
		err := ValidateAgentID("/tmp/impromptu_sockets", tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAgentID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "hub.history_size", Value: 0, Message: "must be between 1 and 10000"}
	want := "hub.history_size: must be between 1 and 10000 (got: 0)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if ValidationErrors(nil).Error() != "" {
		t.Error("empty ValidationErrors should render empty")
	}
}
