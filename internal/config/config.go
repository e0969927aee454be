package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the matrix-rocketchat bridge.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HomeserverConfig contains Matrix homeserver connection settings.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig contains application service settings.
type AppServiceConfig struct {
	// Address is the externally reachable base URL of this service.
	Address         string `yaml:"address"`
	Hostname        string `yaml:"hostname"`
	Port            int    `yaml:"port"`
	ID              string `yaml:"id"`
	SenderLocalpart string `yaml:"sender_localpart"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BridgeConfig contains bridge-specific settings.
type BridgeConfig struct {
	AcceptRemoteInvites          bool           `yaml:"accept_remote_invites"`
	MaxRocketchatServerIDLength  int            `yaml:"max_rocketchat_server_id_length"`
	DefaultLanguage              string         `yaml:"default_language"`
	HTTPTimeoutSeconds           int            `yaml:"http_timeout_s"`
	LoopSuppressionWindowSeconds int            `yaml:"loop_suppression_window_s"`
	Realtime                     RealtimeConfig `yaml:"realtime"`
}

// RealtimeConfig controls the optional Rocket.Chat realtime (websocket) link.
type RealtimeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel string `yaml:"min_level"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.Address == "" {
		return fmt.Errorf("appservice.address is required")
	}
	if c.AppService.Port == 0 {
		c.AppService.Port = 29310
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "rocketchat"
	}
	if c.AppService.SenderLocalpart == "" {
		c.AppService.SenderLocalpart = "rocketchat"
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.hs_token is required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Bridge.MaxRocketchatServerIDLength == 0 {
		c.Bridge.MaxRocketchatServerIDLength = 16
	}
	if c.Bridge.DefaultLanguage == "" {
		c.Bridge.DefaultLanguage = "en"
	}
	if c.Bridge.HTTPTimeoutSeconds == 0 {
		c.Bridge.HTTPTimeoutSeconds = 5
	}
	if c.Bridge.LoopSuppressionWindowSeconds == 0 {
		c.Bridge.LoopSuppressionWindowSeconds = 5
	}

	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}

	return nil
}

// BotUserID returns the full Matrix user id of the bridge bot.
func (c *Config) BotUserID() string {
	return fmt.Sprintf("@%s:%s", c.AppService.SenderLocalpart, c.Homeserver.Domain)
}

// HTTPTimeout returns the per-call timeout for outbound REST requests.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Bridge.HTTPTimeoutSeconds) * time.Second
}

// LoopSuppressionWindow returns the window during which inbound webhook
// copies of a Matrix-originated message are dropped.
func (c *Config) LoopSuppressionWindow() time.Duration {
	return time.Duration(c.Bridge.LoopSuppressionWindowSeconds) * time.Second
}

// GenerateRegistration creates a Matrix appservice registration YAML.
func (c *Config) GenerateRegistration() string {
	return fmt.Sprintf(`id: %s
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@%s_.+:%s'
  aliases:
    - exclusive: true
      regex: '#%s_.+:%s'
  rooms: []
rate_limited: false
`,
		c.AppService.ID,
		c.AppService.Address,
		c.AppService.ASToken,
		c.AppService.HSToken,
		c.AppService.SenderLocalpart,
		c.AppService.SenderLocalpart,
		regexp.QuoteMeta(c.Homeserver.Domain),
		c.AppService.SenderLocalpart,
		regexp.QuoteMeta(c.Homeserver.Domain),
	)
}
