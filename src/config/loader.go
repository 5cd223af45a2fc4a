package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"
)

// Precedence lists the configuration sources, lowest precedence first.
type Precedence struct {
	UserConfig        string
	ProjectConfig     string
	EnvironmentPrefix string
}

// Loader loads and merges configuration from defaults, files, and the
// environment.
type Loader struct {
	precedence Precedence
	validator  *Validator
}

// NewLoader creates a configuration loader.
func NewLoader(precedence Precedence) *Loader {
	return &Loader{
		precedence: precedence,
		validator:  NewValidator(),
	}
}

// Load merges all sources over the defaults and validates the result. Missing
// files are skipped.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	for _, path := range []string{l.precedence.UserConfig, l.precedence.ProjectConfig} {
		if path == "" {
			continue
		}
		cfg, err := l.loadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		config = merge(config, cfg)
	}

	if l.precedence.EnvironmentPrefix != "" {
		l.applyEnvironmentOverrides(config)
	}

	if err := l.validator.Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func (l *Loader) loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &config, nil
}

// SaveFile writes a configuration to a file, validating it first.
func (l *Loader) SaveFile(config *Config, path string) error {
	if err := l.validator.Validate(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// merge overlays override onto base; empty override fields keep the base value.
func merge(base, override *Config) *Config {
	result := *base

	if override.Version != "" {
		result.Version = override.Version
	}
	if override.API.BaseURL != "" {
		result.API.BaseURL = override.API.BaseURL
	}
	if override.API.SocketURL != "" {
		result.API.SocketURL = override.API.SocketURL
	}
	if override.API.TokenEnvVar != "" {
		result.API.TokenEnvVar = override.API.TokenEnvVar
	}
	if override.API.Timeout != 0 {
		result.API.Timeout = override.API.Timeout
	}

	if override.Assistant.Model != "" {
		result.Assistant.Model = override.Assistant.Model
	}
	if override.Assistant.ChatMode != "" {
		result.Assistant.ChatMode = override.Assistant.ChatMode
	}
	if override.Assistant.AgentName != "" {
		result.Assistant.AgentName = override.Assistant.AgentName
	}
	if override.Assistant.SystemPrompt != "" {
		result.Assistant.SystemPrompt = override.Assistant.SystemPrompt
	}

	if override.Storage.Backend != "" {
		result.Storage.Backend = override.Storage.Backend
	}
	if override.Storage.Path != "" {
		result.Storage.Path = override.Storage.Path
	}
	if override.Storage.RedisAddr != "" {
		result.Storage.RedisAddr = override.Storage.RedisAddr
	}
	if override.Storage.RedisPassword != "" {
		result.Storage.RedisPassword = override.Storage.RedisPassword
	}
	if override.Storage.RedisDB != 0 {
		result.Storage.RedisDB = override.Storage.RedisDB
	}
	if override.Storage.MaxConversations != 0 {
		result.Storage.MaxConversations = override.Storage.MaxConversations
	}
	if override.Storage.QuotaBytes != 0 {
		result.Storage.QuotaBytes = override.Storage.QuotaBytes
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}

	return &result
}

func (l *Loader) applyEnvironmentOverrides(config *Config) {
	prefix := l.precedence.EnvironmentPrefix

	if v := os.Getenv(prefix + "_API_URL"); v != "" {
		config.API.BaseURL = v
	}
	if v := os.Getenv(prefix + "_SOCKET_URL"); v != "" {
		config.API.SocketURL = v
	}
	if v := os.Getenv(prefix + "_MODEL"); v != "" {
		config.Assistant.Model = v
	}
	if v := os.Getenv(prefix + "_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv(prefix + "_REDIS_ADDR"); v != "" {
		config.Storage.RedisAddr = v
	}
	if v := os.Getenv(prefix + "_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Storage.RedisDB = n
		}
	}
	if v := os.Getenv(prefix + "_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// GetConfigPaths returns the standard configuration file locations.
func GetConfigPaths() Precedence {
	return Precedence{
		UserConfig:        filepath.Join(xdg.ConfigHome, "wayfarer", "config.json"),
		ProjectConfig:     filepath.Join(".wayfarer", "config.json"),
		EnvironmentPrefix: "WAYFARER",
	}
}
