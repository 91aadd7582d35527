package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when RELAY_CONFIG is unset.
const DefaultPath = "relay.yaml"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Converters ConvertersConfig `koanf:"converters"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`   // 0 disables; otherwise must exceed upstream.timeout
	RequestTimeout  time.Duration `koanf:"request_timeout"` // 0 disables the per-request deadline
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MetricsPath     string        `koanf:"metrics_path"` // empty disables the metrics route
}

// UpstreamConfig controls the outbound HTTP client used for relayed calls.
type UpstreamConfig struct {
	Timeout      time.Duration `koanf:"timeout"` // 0 leaves the transport defaults in charge
	BlockPrivate bool          `koanf:"block_private"`
}

type ConvertersConfig struct {
	Echo EchoConfig `koanf:"echo"`
	SNS  SNSConfig  `koanf:"sns"`
}

type EchoConfig struct {
	DefaultURL string `koanf:"default_url"`
}

type SNSConfig struct {
	WebhookBase    string        `koanf:"webhook_base"`
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                    18080,
	"server.read_timeout":            30 * time.Second,
	"server.write_timeout":           time.Duration(0),
	"server.request_timeout":         time.Duration(0),
	"server.shutdown_timeout":        10 * time.Second,
	"server.metrics_path":            "/metrics",
	"upstream.timeout":               time.Duration(0),
	"upstream.block_private":         false,
	"converters.echo.default_url":    "http://requestb.in/",
	"converters.sns.webhook_base":    "https://hooks.slack.com/services/",
	"converters.sns.confirm_timeout": 30 * time.Second,
	"log.level":                      "info",
	"telemetry.enabled":              false,
	"telemetry.service_name":         "webhook-relay",
}

// Load reads the configuration from the YAML file at path (a missing file is
// fine), then RELAY_* environment variables, then the plain PORT variable.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// RELAY_SERVER__PORT -> server.port
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		k.Set("server.port", p)
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

	cfg.Converters.Echo.DefaultURL = substituteEnvVars(cfg.Converters.Echo.DefaultURL)
	cfg.Converters.SNS.WebhookBase = substituteEnvVars(cfg.Converters.SNS.WebhookBase)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be fixed up with a default.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	for name, d := range map[string]time.Duration{
		"server.read_timeout":            c.Server.ReadTimeout,
		"server.write_timeout":           c.Server.WriteTimeout,
		"server.request_timeout":         c.Server.RequestTimeout,
		"upstream.timeout":               c.Upstream.Timeout,
		"converters.sns.confirm_timeout": c.Converters.SNS.ConfirmTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	// The upstream call must fail before the write deadline drops the caller.
	if w := c.Server.WriteTimeout; w > 0 && (c.Upstream.Timeout <= 0 || c.Upstream.Timeout >= w) {
		return fmt.Errorf("upstream.timeout (%s) must be positive and below server.write_timeout (%s)", c.Upstream.Timeout, w)
	}
	for name, raw := range map[string]string{
		"converters.echo.default_url": c.Converters.Echo.DefaultURL,
		"converters.sns.webhook_base": c.Converters.SNS.WebhookBase,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
