package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envPlatformToken = "DESKRELAY_PLATFORM_TOKEN"
	envAlertBotToken = "DESKRELAY_ALERT_BOT_TOKEN"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Crypto       CryptoConfig       `json:"crypto"`
	Platform     PlatformConfig     `json:"platform"`
	Storage      StorageConfig      `json:"storage"`
	Conversation ConversationConfig `json:"conversation"`
	Sync         SyncConfig         `json:"sync"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Providers    ProvidersConfig    `json:"providers"`
	Alerts       AlertsConfig       `json:"alerts,omitempty"`
	Logging      LoggingConfig      `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ServerConfig configures the webhook HTTP listener.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	CallbackPath string `json:"callback_path"`
}

// CryptoConfig configures the remote crypto oracle client.
type CryptoConfig struct {
	BaseURL               string `json:"base_url"`
	Token                 string `json:"token"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// PlatformConfig configures the messaging platform API client.
type PlatformConfig struct {
	BaseURL               string `json:"base_url"`
	AccessToken           string `json:"access_token"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// StorageConfig selects and configures the key-value backend.
type StorageConfig struct {
	Backend         string `json:"backend"`
	RedisURL        string `json:"redis_url"`
	RecordTTLHours  int    `json:"record_ttl_hours"`
	SessionTTLHours int    `json:"session_ttl_hours"`
}

// ConversationConfig controls the per-user conversation window.
type ConversationConfig struct {
	Preamble         string `json:"preamble"`
	MaxHistoryLength int    `json:"max_history_length"`
}

// SyncConfig controls inbox synchronization behavior.
type SyncConfig struct {
	PageSize int `json:"page_size"`
	MaxPages int `json:"max_pages"`
}

// DispatchConfig controls reply chunking and the overflow-to-file threshold.
type DispatchConfig struct {
	ChunkSize     int `json:"chunk_size"`
	MaxTextChunks int `json:"max_text_chunks"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	Default string               `json:"default"`
	OpenAI  OpenAIProviderConfig `json:"openai"`
}

// OpenAIProviderConfig configures the OpenAI reply generator client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Model                 string `json:"model"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// AlertsConfig configures optional operator alerting.
type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

// TelegramAlertConfig configures the Telegram operator-alert notifier.
type TelegramAlertConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chat_id"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envPlatformToken)); token != "" {
		cfg.Platform.AccessToken = token
	}

	if token := strings.TrimSpace(os.Getenv(envAlertBotToken)); token != "" {
		cfg.Alerts.Telegram.Token = token
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is DESKRELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("DESKRELAY_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("DESKRELAY_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
