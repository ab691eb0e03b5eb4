package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. "__" separates levels:
// CHATOPS_SERVER__PORT sets server.port.
const EnvPrefix = "CHATOPS_"

// DefaultFile is read from the working directory when present.
const DefaultFile = "config.yaml"

type Config struct {
	Server      ServerConfig     `koanf:"server"`
	Chat        ChatConfig       `koanf:"chat"`
	Secrets     SecretsConfig    `koanf:"secrets"`
	Permissions PermissionConfig `koanf:"permissions"`
	Storage     StorageConfig    `koanf:"storage"`
	Tracker     TrackerConfig    `koanf:"tracker"`
	Telemetry   TelemetryConfig  `koanf:"telemetry"`
	Actions     []ActionConfig   `koanf:"actions"`
}

type ServerConfig struct {
	Port           int             `koanf:"port"`
	RequestTimeout string          `koanf:"request_timeout"` // Duration string like "30s"
	WebhookPath    string          `koanf:"webhook_path"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig limits inbound requests per client IP. RPS of 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type ChatConfig struct {
	APIBaseURL          string `koanf:"api_base_url"`
	AllowedChannelID    string `koanf:"allowed_channel_id"`
	BotTokenSecret      string `koanf:"bot_token_secret"`      // Secret name, resolved through the secret store
	SigningSecretSecret string `koanf:"signing_secret_secret"` // Secret name, resolved through the secret store
}

type SecretsConfig struct {
	Type      string    `koanf:"type"` // env, age
	EnvPrefix string    `koanf:"env_prefix"`
	Age       AgeConfig `koanf:"age"`
}

type AgeConfig struct {
	IdentityFile string `koanf:"identity_file"`
	SecretsFile  string `koanf:"secrets_file"`
}

type PermissionConfig struct {
	Type   string                   `koanf:"type"` // sql, redis, static
	Redis  RedisConfig              `koanf:"redis"`
	Static []StaticPermissionConfig `koanf:"static"`
}

type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// StaticPermissionConfig is a permission record declared inline.
type StaticPermissionConfig struct {
	User    string   `koanf:"user"`
	Actions []string `koanf:"actions"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type TrackerConfig struct {
	PollInterval string `koanf:"poll_interval"`
	MaxWait      string `koanf:"max_wait"`
}

type TelemetryConfig struct {
	Exporter string `koanf:"exporter"` // stdout, none
}

// ActionConfig binds an action name to its form and job.
type ActionConfig struct {
	Name             string            `koanf:"name"`
	Title            string            `koanf:"title"`
	Description      string            `koanf:"description"`
	InputLabel       string            `koanf:"input_label"`
	InputPlaceholder string            `koanf:"input_placeholder"`
	Kind             string            `koanf:"kind"` // direct, workflow
	URL              string            `koanf:"url"`
	Timeout          string            `koanf:"timeout"`
	Headers          map[string]string `koanf:"headers"`
}

var defaults = map[string]any{
	"server.port":                8080,
	"server.request_timeout":     "30s",
	"server.webhook_path":        "/slack/events",
	"chat.api_base_url":          "https://slack.com/api",
	"chat.bot_token_secret":      "chat/bot-token",
	"chat.signing_secret_secret": "chat/signing-secret",
	"secrets.type":               "env",
	"secrets.env_prefix":         "CHATOPS_SECRET_",
	"permissions.type":           "sql",
	"storage.driver":             "sqlite",
	"storage.dsn":                "./data/chatops.db",
	"tracker.poll_interval":      "500ms",
	"tracker.max_wait":           "15m",
	"telemetry.exporter":         "none",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml from the working directory (if present) and
// applies environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile reads the given YAML file (a missing file is not an error) and
// applies environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		if strings.HasPrefix(s, "CHATOPS_SECRET_") {
			return ""
		}
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Permissions.Redis.Password = substituteEnvVars(cfg.Permissions.Redis.Password)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	for i := range cfg.Actions {
		for h, v := range cfg.Actions[i].Headers {
			cfg.Actions[i].Headers[h] = substituteEnvVars(v)
		}
	}

	return &cfg, nil
}

// Validate reports configuration that cannot serve requests.
func (c *Config) Validate() error {
	var errs []error
	if c.Chat.AllowedChannelID == "" {
		errs = append(errs, errors.New("chat.allowed_channel_id is required"))
	}
	switch c.Secrets.Type {
	case "env":
	case "age":
		if c.Secrets.Age.IdentityFile == "" || c.Secrets.Age.SecretsFile == "" {
			errs = append(errs, errors.New("secrets.age requires identity_file and secrets_file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown secrets.type %q", c.Secrets.Type))
	}
	switch c.Permissions.Type {
	case "sql", "static":
	case "redis":
		if c.Permissions.Redis.Addr == "" {
			errs = append(errs, errors.New("permissions.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown permissions.type %q", c.Permissions.Type))
	}
	if c.Telemetry.Exporter != "stdout" && c.Telemetry.Exporter != "none" {
		errs = append(errs, fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter))
	}
	for _, d := range []struct{ key, value string }{
		{"server.request_timeout", c.Server.RequestTimeout},
		{"tracker.poll_interval", c.Tracker.PollInterval},
		{"tracker.max_wait", c.Tracker.MaxWait},
	} {
		if _, err := ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
		}
	}
	seen := make(map[string]bool)
	for i, a := range c.Actions {
		switch {
		case a.Name == "":
			errs = append(errs, fmt.Errorf("actions[%d]: name is required", i))
		case a.Name == "welcome" || strings.Contains(a.Name, "/"):
			errs = append(errs, fmt.Errorf("actions[%d]: invalid name %q", i, a.Name))
		case seen[a.Name]:
			errs = append(errs, fmt.Errorf("actions[%d]: duplicate name %q", i, a.Name))
		}
		seen[a.Name] = true
		if a.Kind != "direct" && a.Kind != "workflow" {
			errs = append(errs, fmt.Errorf("actions[%d]: kind must be direct or workflow", i))
		}
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("actions[%d]: url is required", i))
		}
		if _, err := ParseDuration(a.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("actions[%d].timeout: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseDuration parses a duration string; an empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
