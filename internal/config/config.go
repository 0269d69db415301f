package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides (GIZREPLY_SERVER_ADDR, ...)
const EnvPrefix = "GIZREPLY"

// ServerConfig holds HTTP ingress settings
type ServerConfig struct {
	Addr           string `json:"addr" mapstructure:"addr"`
	MaxConnections int    `json:"max_connections" mapstructure:"max_connections"`
	// PushToken, when set, must be passed as ?token= on the Pub/Sub push URL
	PushToken       string `json:"push_token" mapstructure:"push_token"`
	MaxBodyBytes    int64  `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	ReadTimeout     string `json:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// GoogleConfig holds OAuth client and Pub/Sub settings
type GoogleConfig struct {
	Credentials string   `json:"credentials" mapstructure:"credentials"`
	RedirectURL string   `json:"redirect_url" mapstructure:"redirect_url"`
	Scopes      []string `json:"scopes" mapstructure:"scopes"`
	PubSubTopic string   `json:"pubsub_topic" mapstructure:"pubsub_topic"`
	// WatchOnLogin registers the INBOX watch right after a successful consent
	WatchOnLogin bool `json:"watch_on_login" mapstructure:"watch_on_login"`
}

// DatabaseConfig holds the SQLite location
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LLMConfig holds all LLM-related configuration
type LLMConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // ollama, bedrock
	Model    string `json:"model" mapstructure:"model"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Region   string `json:"region" mapstructure:"region"` // For AWS Bedrock
	Timeout  string `json:"timeout" mapstructure:"timeout"`

	// Template file path (relative to config dir or absolute)
	ReplyTemplate string `json:"reply_template" mapstructure:"reply_template"`
	// Inline prompt override (used when the template file is missing)
	ReplyPrompt string `json:"reply_prompt,omitempty" mapstructure:"reply_prompt"`
	// MaxBodyChars truncates the email body fed into the prompt
	MaxBodyChars int `json:"max_body_chars" mapstructure:"max_body_chars"`
}

// WorkersConfig sizes the notification worker pool
type WorkersConfig struct {
	Size  int `json:"size" mapstructure:"size"`
	Queue int `json:"queue" mapstructure:"queue"`
}

// TimeoutsConfig bounds every external call
type TimeoutsConfig struct {
	TokenRefresh string `json:"token_refresh" mapstructure:"token_refresh"`
	Provider     string `json:"provider" mapstructure:"provider"`
	Notification string `json:"notification" mapstructure:"notification"`
}

// RetryConfig configures bounded exponential backoff for transient failures
type RetryConfig struct {
	Attempts   int     `json:"attempts" mapstructure:"attempts"`
	Initial    string  `json:"initial" mapstructure:"initial"`
	Max        string  `json:"max" mapstructure:"max"`
	Multiplier float64 `json:"multiplier" mapstructure:"multiplier"`
}

// ProcessorConfig tunes per-message processing
type ProcessorConfig struct {
	// SettleDelay waits between fetching a message and the claim check
	SettleDelay    string `json:"settle_delay" mapstructure:"settle_delay"`
	ClaimCacheSize int    `json:"claim_cache_size" mapstructure:"claim_cache_size"`
}

// WatchConfig controls periodic watch renewal (Gmail watches expire after 7 days)
type WatchConfig struct {
	RenewInterval string   `json:"renew_interval" mapstructure:"renew_interval"`
	LabelIDs      []string `json:"label_ids" mapstructure:"label_ids"`
}

// Config holds all configuration for the gizreply service
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Google    GoogleConfig    `json:"google" mapstructure:"google"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Workers   WorkersConfig   `json:"workers" mapstructure:"workers"`
	Timeouts  TimeoutsConfig  `json:"timeouts" mapstructure:"timeouts"`
	Retry     RetryConfig     `json:"retry" mapstructure:"retry"`
	Processor ProcessorConfig `json:"processor" mapstructure:"processor"`
	Watch     WatchConfig     `json:"watch" mapstructure:"watch"`

	// Logging
	LogFile   string `json:"log_file" mapstructure:"log_file"`
	LogFormat string `json:"log_format" mapstructure:"log_format"` // text, json
	LogLevel  string `json:"log_level" mapstructure:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			MaxConnections:  256,
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     "15s",
			ShutdownTimeout: "30s",
		},
		Google: GoogleConfig{
			Credentials: "",
			RedirectURL: "http://localhost:8000/oauth2callback",
			Scopes: []string{
				"openid",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/gmail.modify",
			},
			WatchOnLogin: true,
		},
		Database: DatabaseConfig{Path: ""},
		LLM:      DefaultLLMConfig(),
		Workers:  WorkersConfig{Size: 8, Queue: 64},
		Timeouts: TimeoutsConfig{
			TokenRefresh: "10s",
			Provider:     "30s",
			Notification: "10m",
		},
		Retry: RetryConfig{
			Attempts:   3,
			Initial:    "500ms",
			Max:        "10s",
			Multiplier: 2,
		},
		Processor: ProcessorConfig{
			SettleDelay:    "0s",
			ClaimCacheSize: 4096,
		},
		Watch: WatchConfig{
			RenewInterval: "24h",
			LabelIDs:      []string{"INBOX"},
		},
		LogFile:   "",
		LogFormat: "text",
		LogLevel:  "info",
	}
}

// DefaultLLMConfig returns default LLM configuration
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:      "ollama",
		Model:         "llama3.2:latest",
		Endpoint:      "http://localhost:11434/api/generate",
		Timeout:       "60s",
		ReplyTemplate: "templates/ai/reply.md",
		ReplyPrompt:   "",
		MaxBodyChars:  8000,
	}
}

// LoadConfig loads configuration from a JSON or YAML file, then applies
// GIZREPLY_* environment overrides. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seed every key from the defaults so env overrides resolve for all of them
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.MergeInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// DefaultConfigDir returns ~/.config/gizreply
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gizreply")
}

// DefaultConfigPath returns the default configuration file path
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.json")
}

// DefaultCredentialsPath returns the default OAuth client credentials path
func DefaultCredentialsPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "credentials.json")
}

// DefaultDatabasePath returns the default SQLite path
func DefaultDatabasePath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "gizreply.sqlite3")
}

// SaveConfig saves the configuration to a file, as YAML when the extension
// asks for it and JSON otherwise
func (c *Config) SaveConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if configType(path) == "yaml" {
		// Round-trip through a map so YAML keys match the JSON names
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0o600)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}

// GetLLMTimeout returns parsed timeout for LLM
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// GetTokenRefreshTimeout bounds the OAuth refresh call
func (c *Config) GetTokenRefreshTimeout() time.Duration {
	return parseDuration(c.Timeouts.TokenRefresh, 10*time.Second)
}

// GetProviderTimeout bounds each Gmail API call
func (c *Config) GetProviderTimeout() time.Duration {
	return parseDuration(c.Timeouts.Provider, 30*time.Second)
}

// GetNotificationTimeout bounds the processing of one notification
func (c *Config) GetNotificationTimeout() time.Duration {
	return parseDuration(c.Timeouts.Notification, 10*time.Minute)
}

// GetSettleDelay returns the pause before the claim check
func (c *Config) GetSettleDelay() time.Duration {
	return parseDuration(c.Processor.SettleDelay, 0)
}

// GetWatchRenewInterval returns 0 when renewal is disabled
func (c *Config) GetWatchRenewInterval() time.Duration {
	return parseDuration(c.Watch.RenewInterval, 0)
}

// GetReadTimeout returns the HTTP read timeout
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 15*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown budget
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 30*time.Second)
}

// GetRetryBackoff returns initial and max backoff
func (c *Config) GetRetryBackoff() (time.Duration, time.Duration) {
	return parseDuration(c.Retry.Initial, 500*time.Millisecond), parseDuration(c.Retry.Max, 10*time.Second)
}

// LoadTemplate loads a template with proper priority: file first, then inline, then fallback
func LoadTemplate(templatePath, inlinePrompt, fallbackPrompt string) string {
	if strings.TrimSpace(templatePath) != "" {
		var fullPath string
		if filepath.IsAbs(templatePath) {
			fullPath = templatePath
		} else {
			fullPath = filepath.Join(DefaultConfigDir(), templatePath)
		}

		if content, err := os.ReadFile(fullPath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	if strings.TrimSpace(inlinePrompt) != "" {
		return inlinePrompt
	}

	return fallbackPrompt
}

// DefaultReplyPrompt is used when neither a template file nor an inline prompt is configured
const DefaultReplyPrompt = "You are an email assistant. Please write a polite and professional reply to this email. Keep the same language as the input and return only the reply body.\n\n{{body}}\n\nReply:"

// GetReplyPrompt returns the reply prompt, loading from template file if needed
func (c *LLMConfig) GetReplyPrompt() string {
	return LoadTemplate(c.ReplyTemplate, c.ReplyPrompt, DefaultReplyPrompt)
}
