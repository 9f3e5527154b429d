package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/impromptu/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "hub.read_timeout_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// maxSocketPath is the usable length of sockaddr_un.sun_path on Linux and
// macOS (108 and 104 bytes, including the terminating NUL).
const maxSocketPath = 103

// MaxSocketPathLen returns the longest socket path the platform accepts.
func MaxSocketPathLen() int {
	return maxSocketPath
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	levels := logging.ValidLevels()
	for i, l := range levels {
		levels[i] = strings.ToLower(l)
	}
	return levels
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateHub()...)
	errors = append(errors, c.validateHook()...)
	errors = append(errors, c.validateKnowledge()...)
	errors = append(errors, c.validateTmux()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateAgents()...)

	return errors
}

func (c *Config) validateHub() []ValidationError {
	var errors []ValidationError

	if c.Hub.ChannelDir == "" {
		errors = append(errors, ValidationError{
			Field:   "hub.channel_dir",
			Value:   c.Hub.ChannelDir,
			Message: "must not be empty",
		})
	} else if !filepath.IsAbs(c.Hub.ChannelDir) {
		errors = append(errors, ValidationError{
			Field:   "hub.channel_dir",
			Value:   c.Hub.ChannelDir,
			Message: "must be an absolute path",
		})
	} else if len(c.Hub.ChannelDir)+len("/x.sock") > maxSocketPath {
		// Leave room for at least a one-character agent id.
		errors = append(errors, ValidationError{
			Field:   "hub.channel_dir",
			Value:   c.Hub.ChannelDir,
			Message: fmt.Sprintf("too long for unix socket paths (max %d bytes including file name)", maxSocketPath),
		})
	}

	if c.Hub.StateDir == "" {
		errors = append(errors, ValidationError{
			Field:   "hub.state_dir",
			Value:   c.Hub.StateDir,
			Message: "must not be empty",
		})
	}

	const maxPayload = 16 * 1024 * 1024
	if c.Hub.MaxPayloadBytes <= 0 || c.Hub.MaxPayloadBytes > maxPayload {
		errors = append(errors, ValidationError{
			Field:   "hub.max_payload_bytes",
			Value:   c.Hub.MaxPayloadBytes,
			Message: fmt.Sprintf("must be between 1 and %d", maxPayload),
		})
	}

	if c.Hub.ReadTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "hub.read_timeout_ms",
			Value:   c.Hub.ReadTimeoutMs,
			Message: "must be positive",
		})
	}

	if c.Hub.HistorySize < 1 || c.Hub.HistorySize > 10000 {
		errors = append(errors, ValidationError{
			Field:   "hub.history_size",
			Value:   c.Hub.HistorySize,
			Message: "must be between 1 and 10000",
		})
	}

	if c.Hub.ShutdownGraceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "hub.shutdown_grace_ms",
			Value:   c.Hub.ShutdownGraceMs,
			Message: "must be non-negative",
		})
	}

	if c.Hub.KnowledgeTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "hub.knowledge_timeout_ms",
			Value:   c.Hub.KnowledgeTimeoutMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateHook() []ValidationError {
	if c.Hook.DialTimeoutMs <= 0 {
		return []ValidationError{{
			Field:   "hook.dial_timeout_ms",
			Value:   c.Hook.DialTimeoutMs,
			Message: "must be positive",
		}}
	}
	return nil
}

func (c *Config) validateKnowledge() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidKnowledgeBackends(), c.Knowledge.Backend) {
		errors = append(errors, ValidationError{
			Field:   "knowledge.backend",
			Value:   c.Knowledge.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidKnowledgeBackends(), ", ")),
		})
	}

	if c.Knowledge.Backend == BackendRedis && c.Knowledge.RedisAddr == "" {
		errors = append(errors, ValidationError{
			Field:   "knowledge.redis_addr",
			Value:   c.Knowledge.RedisAddr,
			Message: "required when backend is redis",
		})
	}

	return errors
}

func (c *Config) validateTmux() []ValidationError {
	var errors []ValidationError

	// tmux uses ':' and '.' as target separators.
	for field, value := range map[string]string{"tmux.socket": c.Tmux.Socket, "tmux.session": c.Tmux.Session} {
		if value == "" {
			errors = append(errors, ValidationError{Field: field, Value: value, Message: "must not be empty"})
		} else if strings.ContainsAny(value, ":. ") {
			errors = append(errors, ValidationError{Field: field, Value: value, Message: "must not contain ':', '.' or spaces"})
		}
	}
	slices.SortFunc(errors, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateAgents() []ValidationError {
	var errors []ValidationError
	seen := make(map[string]bool, len(c.Agents))
	for i, id := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if err := ValidateAgentID(c.Hub.ChannelDir, id); err != nil {
			errors = append(errors, ValidationError{Field: field, Value: id, Message: err.Error()})
			continue
		}
		if seen[id] {
			errors = append(errors, ValidationError{Field: field, Value: id, Message: "duplicate agent id"})
		}
		seen[id] = true
	}
	return errors
}

// ValidateAgentID checks that id can name a channel file inside channelDir.
// The id is otherwise opaque.
func ValidateAgentID(channelDir, id string) error {
	switch {
	case id == "":
		return fmt.Errorf("agent id must not be empty")
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return fmt.Errorf("agent id must not contain path separators")
	case id == "." || id == ".." || strings.Contains(id, ".."):
		return fmt.Errorf("agent id must not contain '..'")
	case len(filepath.Join(channelDir, id+".sock")) > maxSocketPath:
		return fmt.Errorf("agent id too long for a socket path in %s", channelDir)
	}
	return nil
}
