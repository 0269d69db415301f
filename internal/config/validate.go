package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the configuration for values the service cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	var errs []error

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections must not be negative"))
	}

	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case "", "ollama", "bedrock":
	default:
		errs = append(errs, fmt.Errorf("unsupported llm.provider %q", c.LLM.Provider))
	}

	if c.Workers.Size < 0 || c.Workers.Queue < 0 {
		errs = append(errs, fmt.Errorf("workers.size and workers.queue must not be negative"))
	}
	if c.Retry.Attempts < 0 {
		errs = append(errs, fmt.Errorf("retry.attempts must not be negative"))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1"))
	}

	for key, value := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"llm.timeout":             c.LLM.Timeout,
		"timeouts.token_refresh":  c.Timeouts.TokenRefresh,
		"timeouts.provider":       c.Timeouts.Provider,
		"timeouts.notification":   c.Timeouts.Notification,
		"retry.initial":           c.Retry.Initial,
		"retry.max":               c.Retry.Max,
		"processor.settle_delay":  c.Processor.SettleDelay,
		"watch.renew_interval":    c.Watch.RenewInterval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %q", key, value))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log_format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills sizing values left at zero
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Workers.Size == 0 {
		c.Workers.Size = def.Workers.Size
	}
	if c.Workers.Queue == 0 {
		c.Workers.Queue = def.Workers.Queue
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = def.Retry.Attempts
	}
	if c.Processor.ClaimCacheSize == 0 {
		c.Processor.ClaimCacheSize = def.Processor.ClaimCacheSize
	}
	if len(c.Google.Scopes) == 0 {
		c.Google.Scopes = def.Google.Scopes
	}
	if len(c.Watch.LabelIDs) == 0 {
		c.Watch.LabelIDs = def.Watch.LabelIDs
	}
}
