// Package config loads agent and provisioner settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration of the agent process.
type Config struct {
	Backend   BackendConfig   `json:"backend"`
	Agent     AgentConfig     `json:"agent"`
	XMTP      XMTPConfig      `json:"xmtp"`
	Storage   StorageConfig   `json:"storage"`
	Transport TransportConfig `json:"transport"`
	Log       LogConfig       `json:"log"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type BackendConfig struct {
	URL            string        `envconfig:"BACKEND_URL" json:"url"`
	APIKey         string        `envconfig:"BACKEND_API_KEY" json:"apiKey"`
	Timeout        time.Duration `envconfig:"BACKEND_TIMEOUT" json:"timeout"`
	IncludeContext bool          `envconfig:"BACKEND_INCLUDE_CONTEXT" json:"includeContext"`
	RatePerMinute  float64       `envconfig:"BACKEND_RATE_PER_MINUTE" json:"ratePerMinute,omitempty"`
	Burst          int           `envconfig:"BACKEND_BURST" json:"burst,omitempty"`
}

type AgentConfig struct {
	FID      string `envconfig:"AGENT_FID" json:"fid"`
	Username string `envconfig:"AGENT_USERNAME" json:"username"`
	// InboxID and Address identify the agent on the XMTP bridge. Other
	// transports resolve the identity at connect time.
	InboxID          string `envconfig:"AGENT_INBOX_ID" json:"inboxId,omitempty"`
	Address          string `envconfig:"AGENT_ADDRESS" json:"address,omitempty"`
	GroupPolicy      string `envconfig:"AGENT_GROUP_POLICY" json:"groupPolicy"`
	ThinkingReaction bool   `envconfig:"AGENT_THINKING_REACTION" json:"thinkingReaction"`
	Concurrency      int    `envconfig:"AGENT_CONCURRENCY" json:"concurrency"`
	RosterFile       string `envconfig:"AGENT_ROSTER_FILE" json:"rosterFile,omitempty"`
}

type XMTPConfig struct {
	Env string `envconfig:"XMTP_ENV" json:"env"`
}

type StorageConfig struct {
	DataDir string `envconfig:"RAILWAY_VOLUME_MOUNT_PATH" json:"dataDir"`
}

type TransportConfig struct {
	Kind     string         `envconfig:"TRANSPORT" json:"kind"`
	Kafka    KafkaConfig    `ignored:"true" json:"kafka"`
	Telegram TelegramConfig `ignored:"true" json:"telegram"`
	Slack    SlackConfig    `ignored:"true" json:"slack"`
	Discord  DiscordConfig  `ignored:"true" json:"discord"`
}

type KafkaConfig struct {
	Brokers       []string `envconfig:"KAFKA_BROKERS" json:"brokers"`
	InboundTopic  string   `envconfig:"KAFKA_INBOUND_TOPIC" json:"inboundTopic"`
	OutboundTopic string   `envconfig:"KAFKA_OUTBOUND_TOPIC" json:"outboundTopic"`
	GroupID       string   `envconfig:"KAFKA_GROUP_ID" json:"groupId"`
}

type TelegramConfig struct {
	Token string `envconfig:"TELEGRAM_TOKEN" json:"token,omitempty"`
}

type SlackConfig struct {
	BotToken string `envconfig:"SLACK_BOT_TOKEN" json:"botToken,omitempty"`
	AppToken string `envconfig:"SLACK_APP_TOKEN" json:"appToken,omitempty"`
}

type DiscordConfig struct {
	Token string `envconfig:"DISCORD_TOKEN" json:"token,omitempty"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" json:"level"`
	Format string `envconfig:"LOG_FORMAT" json:"format"`
}

type MetricsConfig struct {
	Addr string `envconfig:"METRICS_ADDR" json:"addr,omitempty"`
}

// Transport kinds.
const (
	TransportXMTP     = "xmtp"
	TransportTelegram = "telegram"
	TransportSlack    = "slack"
	TransportDiscord  = "discord"
)

// Load builds the agent configuration: defaults overlaid with environment
// variables. Call LoadEnvFiles first to pick up a .env file.
func Load() (*Config, error) {
	cfg := Defaults()

	sections := []any{
		&cfg.Backend,
		&cfg.Agent,
		&cfg.XMTP,
		&cfg.Storage,
		&cfg.Transport,
		&cfg.Transport.Kafka,
		&cfg.Transport.Telegram,
		&cfg.Transport.Slack,
		&cfg.Transport.Discord,
		&cfg.Log,
		&cfg.Metrics,
	}
	for _, s := range sections {
		if err := envconfig.Process("", s); err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
	}

	cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(cfg.Transport.Kind))
	cfg.Storage.DataDir = ExpandPath(cfg.Storage.DataDir)
	if cfg.Agent.RosterFile != "" {
		cfg.Agent.RosterFile = ExpandPath(cfg.Agent.RosterFile)
	}
	return cfg, nil
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Backend.URL == "" {
		errs = append(errs, "BACKEND_URL is required")
	} else if u, err := url.Parse(cfg.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "BACKEND_URL must be an http(s) URL")
	}
	if cfg.Backend.APIKey == "" {
		errs = append(errs, "BACKEND_API_KEY is required")
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, "BACKEND_TIMEOUT must not be negative")
	}
	if cfg.Backend.RatePerMinute < 0 || cfg.Backend.Burst < 0 {
		errs = append(errs, "BACKEND_RATE_PER_MINUTE and BACKEND_BURST must not be negative")
	}
	if cfg.Agent.FID == "" {
		errs = append(errs, "AGENT_FID is required")
	}

	switch strings.ToLower(cfg.Agent.GroupPolicy) {
	case "", "addressed", "all":
	default:
		errs = append(errs, "AGENT_GROUP_POLICY must be one of: addressed, all")
	}
	if cfg.Agent.Concurrency < 1 || cfg.Agent.Concurrency > 100 {
		errs = append(errs, "AGENT_CONCURRENCY must be between 1 and 100")
	}

	if !validXMTPEnv(cfg.XMTP.Env) {
		errs = append(errs, "XMTP_ENV must be one of: dev, local, production")
	}

	switch cfg.Transport.Kind {
	case TransportXMTP:
		k := cfg.Transport.Kafka
		if len(k.Brokers) == 0 {
			errs = append(errs, "KAFKA_BROKERS is required for the xmtp transport")
		}
		if k.InboundTopic == "" || k.OutboundTopic == "" {
			errs = append(errs, "KAFKA_INBOUND_TOPIC and KAFKA_OUTBOUND_TOPIC are required for the xmtp transport")
		}
		if cfg.Agent.InboxID == "" {
			errs = append(errs, "AGENT_INBOX_ID is required for the xmtp transport")
		}
		if cfg.Agent.Address == "" {
			errs = append(errs, "AGENT_ADDRESS is required for the xmtp transport")
		}
	case TransportTelegram:
		if cfg.Transport.Telegram.Token == "" {
			errs = append(errs, "TELEGRAM_TOKEN is required for the telegram transport")
		}
	case TransportSlack:
		if cfg.Transport.Slack.BotToken == "" || cfg.Transport.Slack.AppToken == "" {
			errs = append(errs, "SLACK_BOT_TOKEN and SLACK_APP_TOKEN are required for the slack transport")
		}
	case TransportDiscord:
		if cfg.Transport.Discord.Token == "" {
			errs = append(errs, "DISCORD_TOKEN is required for the discord transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("TRANSPORT must be one of: %s, %s, %s, %s",
			TransportXMTP, TransportTelegram, TransportSlack, TransportDiscord))
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "LOG_LEVEL must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, "LOG_FORMAT must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validXMTPEnv(env string) bool {
	switch env {
	case "dev", "local", "production":
		return true
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
