package src

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"leadbot/src/model"
)

type Config struct {
	LogConfig          model.LogConfig          `envconfig:""`
	LLMConfig          model.LLMConfig          `envconfig:""`
	RetryConfig        model.RetryConfig        `envconfig:""`
	ConversationConfig model.ConversationConfig `envconfig:""`
	BufferConfig       model.BufferConfig       `envconfig:""`
	LockConfig         model.LockConfig         `envconfig:""`
	StoreConfig        model.StoreConfig        `envconfig:""`
	RedisConfig        model.RedisConfig        `envconfig:""`
	TransportConfig    model.TransportConfig    `envconfig:""`
	MediaConfig        model.MediaConfig        `envconfig:""`
	HTTPConfig         model.HTTPConfig         `envconfig:""`
	ContentFile        string                   `envconfig:"CONTENT_FILE"`
}

func LoadConfig() (*Config, error) {
	var config Config
	err := envconfig.Process("", &config)
	if err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects values the components cannot run with
func (c *Config) Validate() error {
	switch strings.ToLower(c.BufferConfig.BusyPolicy) {
	case "queue", "drop":
	default:
		return fmt.Errorf("BUSY_POLICY must be queue or drop, got %q", c.BufferConfig.BusyPolicy)
	}
	switch strings.ToLower(c.LockConfig.Backend) {
	case "memory", "file":
	case "redis":
		if c.RedisConfig.URL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be memory, file or redis, got %q", c.LockConfig.Backend)
	}
	switch c.StoreConfig.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("RECORD_STORE_DRIVER must be sqlite or postgres, got %q", c.StoreConfig.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ConversationConfig.TurnTimeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT must be positive")
	}
	// a turn holds chat:<id> for up to TurnTimeout; a shorter hold lets a
	// waiter force-clear the lock under a live turn
	if c.LockConfig.MaxHold <= c.ConversationConfig.TurnTimeout {
		return fmt.Errorf("LOCK_MAX_HOLD (%s) must exceed TURN_TIMEOUT (%s)", c.LockConfig.MaxHold, c.ConversationConfig.TurnTimeout)
	}
	if c.RetryConfig.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// Location resolves TIMEZONE
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ConversationConfig.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.ConversationConfig.Timezone, err)
	}
	return loc, nil
}
