// Package config loads and validates the application configuration from JSON
// files, environment overrides, and defaults.
package config

import (
	"fmt"
	"time"
)

// Storage backends.
const (
	BackendSqlite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// Config is the complete application configuration.
type Config struct {
	Version   string          `json:"version,omitempty"`
	API       APIConfig       `json:"api"`
	Assistant AssistantConfig `json:"assistant"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
}

// APIConfig configures the travel app and assistant service endpoints.
type APIConfig struct {
	// BaseURL of the travel app REST API (sessions, models, domain stores).
	BaseURL string `json:"baseUrl" validate:"omitempty,url"`
	// SocketURL of the persistent assistant connection.
	SocketURL string `json:"socketUrl" validate:"omitempty,uri"`
	// TokenEnvVar names the environment variable holding the credential.
	TokenEnvVar string `json:"tokenEnvVar,omitempty"`
	// Timeout for request/response calls.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// AssistantConfig configures the assistant sessions the engine creates.
type AssistantConfig struct {
	Model        string `json:"model,omitempty"`
	ChatMode     string `json:"chatMode,omitempty" validate:"omitempty,chat_mode"`
	AgentName    string `json:"agentName,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// StorageConfig selects and configures the conversation history backend.
type StorageConfig struct {
	// Backend is one of sqlite, redis, or file.
	Backend string `json:"backend,omitempty" validate:"omitempty,storage_backend"`
	// Path overrides the sqlite database or file-store location.
	Path string `json:"path,omitempty"`
	// RedisAddr is the redis host:port when the redis backend is selected.
	RedisAddr string `json:"redisAddr,omitempty" validate:"omitempty,hostname_port"`
	// RedisPassword is the optional redis credential.
	RedisPassword string `json:"redisPassword,omitempty"`
	// RedisDB selects the redis database number.
	RedisDB int `json:"redisDb,omitempty" validate:"gte=0"`
	// MaxConversations caps stored conversations, 0 for the default.
	MaxConversations int `json:"maxConversations,omitempty" validate:"gte=0"`
	// QuotaBytes bounds a single stored value, 0 for unbounded.
	QuotaBytes int64 `json:"quotaBytes,omitempty" validate:"gte=0"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" validate:"omitempty,log_level"`
	Format string `json:"format,omitempty" validate:"omitempty,log_format"`
}

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
	Value   any
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %s: %s", e.Field, e.Message)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		API: APIConfig{
			BaseURL:     "https://api.wayfarer.app",
			SocketURL:   "wss://api.wayfarer.app/assistant",
			TokenEnvVar: "WAYFARER_TOKEN",
			Timeout:     30 * time.Second,
		},
		Assistant: AssistantConfig{
			Model:     "claude-sonnet",
			ChatMode:  "chat",
			AgentName: "wayfarer",
		},
		Storage: StorageConfig{
			Backend:   BackendSqlite,
			RedisAddr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
