package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/impromptu/internal/logging"
)

// Config represents the complete impromptu configuration
type Config struct {
	Hub       HubConfig       `mapstructure:"hub" yaml:"hub"`
	Hook      HookConfig      `mapstructure:"hook" yaml:"hook"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge" yaml:"knowledge"`
	Tmux      TmuxConfig      `mapstructure:"tmux" yaml:"tmux"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	// Agents lists the agent IDs activated when the hub starts
	Agents []string `mapstructure:"agents" yaml:"agents"`
}

// HubConfig controls the event hub process
type HubConfig struct {
	// ChannelDir holds one <agent>.sock per agent plus the hub lock
	ChannelDir string `mapstructure:"channel_dir" yaml:"channel_dir"`
	// StateDir holds hub.log and the file knowledge index
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	// MaxPayloadBytes caps a single hook event; larger payloads are truncated
	MaxPayloadBytes int `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`
	// ReadTimeoutMs bounds how long a hook connection may take to send its payload
	ReadTimeoutMs int `mapstructure:"read_timeout_ms" yaml:"read_timeout_ms"`
	// HistorySize is how many recent events each agent keeps
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`
	// ShutdownGraceMs bounds how long shutdown waits for in-flight connections
	ShutdownGraceMs int `mapstructure:"shutdown_grace_ms" yaml:"shutdown_grace_ms"`
	// KnowledgeTimeoutMs bounds a single knowledge write made by the router
	KnowledgeTimeoutMs int `mapstructure:"knowledge_timeout_ms" yaml:"knowledge_timeout_ms"`
}

// HookConfig controls the short-lived hook sender
type HookConfig struct {
	// DialTimeoutMs is how long `impromptu send` waits for the hub before giving up
	DialTimeoutMs int `mapstructure:"dial_timeout_ms" yaml:"dial_timeout_ms"`
}

// KnowledgeConfig selects the knowledge index backend
type KnowledgeConfig struct {
	// Backend is one of: "file", "redis", "sqlite", "none"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the JSONL file or sqlite database path (default: under StateDir)
	Path string `mapstructure:"path" yaml:"path"`
	// RedisAddr is the host:port of the redis server for the redis backend
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	// RedisPrefix namespaces every key the redis backend writes
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// TmuxConfig controls how agents are launched in tmux
type TmuxConfig struct {
	// Socket is the tmux -L socket name, isolating impromptu from the user's server
	Socket string `mapstructure:"socket" yaml:"socket"`
	// Session is the tmux session agents are launched into
	Session string `mapstructure:"session" yaml:"session"`
}

// LoggingConfig controls hub.log
type LoggingConfig struct {
	// Level is the minimum level written: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the size at which hub.log rotates
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is how many rotated files to keep
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// DefaultChannelDir is fixed under /tmp rather than $TMPDIR, which on macOS is
// long enough to overflow the socket path limit.
const DefaultChannelDir = "/tmp/impromptu_sockets"

// Knowledge backends
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// Default returns a Config with sensible default values
func Default() *Config {
	rotation := logging.DefaultRotationConfig()
	return &Config{
		Hub: HubConfig{
			ChannelDir:         DefaultChannelDir,
			StateDir:           StateDir(),
			MaxPayloadBytes:    64 * 1024,
			ReadTimeoutMs:      500,
			HistorySize:        50,
			ShutdownGraceMs:    2000,
			KnowledgeTimeoutMs: 1000,
		},
		Hook: HookConfig{
			DialTimeoutMs: 300,
		},
		Knowledge: KnowledgeConfig{
			Backend:     BackendFile,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "impromptu",
		},
		Tmux: TmuxConfig{
			Socket:  "impromptu",
			Session: "impromptu",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			Compress:   rotation.Compress,
		},
		Agents: []string{},
	}
}

// ReadTimeout returns the per-connection read deadline as a Duration
func (c *HubConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// ShutdownGrace returns the shutdown grace period as a Duration
func (c *HubConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// KnowledgeTimeout returns the knowledge write timeout as a Duration
func (c *HubConfig) KnowledgeTimeout() time.Duration {
	return time.Duration(c.KnowledgeTimeoutMs) * time.Millisecond
}

// DialTimeout returns the hook dial timeout as a Duration
func (c *HookConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// ResolvePath returns the knowledge store path, defaulting to a file under stateDir
// named for the backend.
func (c *KnowledgeConfig) ResolvePath(stateDir string) string {
	if c.Path != "" {
		return expandHome(c.Path)
	}
	switch c.Backend {
	case BackendSQLite:
		return filepath.Join(stateDir, "knowledge.db")
	default:
		return filepath.Join(stateDir, "knowledge.jsonl")
	}
}

// ChannelPath returns the socket path for an agent.
func (c *HubConfig) ChannelPath(agentID string) string {
	return filepath.Join(c.ChannelDir, agentID+".sock")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Hub defaults
	viper.SetDefault("hub.channel_dir", defaults.Hub.ChannelDir)
	viper.SetDefault("hub.state_dir", defaults.Hub.StateDir)
	viper.SetDefault("hub.max_payload_bytes", defaults.Hub.MaxPayloadBytes)
	viper.SetDefault("hub.read_timeout_ms", defaults.Hub.ReadTimeoutMs)
	viper.SetDefault("hub.history_size", defaults.Hub.HistorySize)
	viper.SetDefault("hub.shutdown_grace_ms", defaults.Hub.ShutdownGraceMs)
	viper.SetDefault("hub.knowledge_timeout_ms", defaults.Hub.KnowledgeTimeoutMs)

	// Hook defaults
	viper.SetDefault("hook.dial_timeout_ms", defaults.Hook.DialTimeoutMs)

	// Knowledge defaults
	viper.SetDefault("knowledge.backend", defaults.Knowledge.Backend)
	viper.SetDefault("knowledge.path", defaults.Knowledge.Path)
	viper.SetDefault("knowledge.redis_addr", defaults.Knowledge.RedisAddr)
	viper.SetDefault("knowledge.redis_prefix", defaults.Knowledge.RedisPrefix)

	// Tmux defaults
	viper.SetDefault("tmux.socket", defaults.Tmux.Socket)
	viper.SetDefault("tmux.session", defaults.Tmux.Session)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("agents", defaults.Agents)
}

// Load reads the configuration from viper, expands ~ in directory settings
// and validates the result
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Hub.ChannelDir = expandHome(cfg.Hub.ChannelDir)
	cfg.Hub.StateDir = expandHome(cfg.Hub.StateDir)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults on error
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "impromptu")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".impromptu"
	}
	return filepath.Join(home, ".config", "impromptu")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StateDir returns the default state directory for logs and the knowledge index
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "impromptu")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".impromptu"
	}
	return filepath.Join(home, ".local", "state", "impromptu")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ValidKnowledgeBackends returns the list of valid knowledge backends
func ValidKnowledgeBackends() []string {
	return []string{BackendFile, BackendRedis, BackendSQLite, BackendNone}
}
