// Package config loads relay settings from the environment. Values come from
// ENQUIRYRELAY_* variables, optionally seeded from a .env file, and are
// validated before use.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
)

const Prefix = "ENQUIRYRELAY"

type ConfigErrorType string

const (
	// ErrEnvFile indicates an explicitly requested .env file could not be read.
	ErrEnvFile    ConfigErrorType = "ENV_FILE"
	ErrParsing    ConfigErrorType = "PARSING_FAILED"
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
)

type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type Config struct {
	APIURL    string `envconfig:"API_URL" default:"http://localhost:3001" validate:"required,url"`
	SocketURL string `envconfig:"SOCKET_URL" default:"ws://localhost:3001/ws" validate:"required,url"`

	// Token sources, consulted in this order after the command line flag.
	Token          string `envconfig:"TOKEN"`
	TokenFile      string `envconfig:"TOKEN_FILE"`
	KeyringAccount string `envconfig:"KEYRING_ACCOUNT" default:"default" validate:"required"`
	KeyringDir     string `envconfig:"KEYRING_DIR"`

	ConsoleAddr  string `envconfig:"CONSOLE_ADDR" default:"127.0.0.1:8090" validate:"required,hostname_port"`
	ConsoleToken string `envconfig:"CONSOLE_TOKEN"`

	RetryAttempts  int           `envconfig:"RETRY_ATTEMPTS" default:"5" validate:"gte=1,lte=100"`
	RetryDelay     time.Duration `envconfig:"RETRY_DELAY" default:"1s" validate:"gt=0"`
	DialTimeout    time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s" validate:"gt=0"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s" validate:"gt=0"`

	SnapshotDSN       string `envconfig:"SNAPSHOT_DSN"`
	NotificationLimit int    `envconfig:"NOTIFICATION_LIMIT" default:"0" validate:"gte=0"`

	FacebookPageID  string `envconfig:"FACEBOOK_PAGE_ID"`
	InstagramPageID string `envconfig:"INSTAGRAM_PAGE_ID"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

// Load reads the configuration. envFile names a dotenv file to seed the
// environment from; when empty, ./.env is used if present. Variables already
// set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &ConfigError{Type: ErrEnvFile, Message: "failed to read .env", Err: err}
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return &ConfigError{Type: ErrEnvFile, Message: "failed to read " + path, Err: err}
	}
	return nil
}

// Validate checks the struct rules. It is exported so callers can re-check
// after applying command line overrides.
func (c *Config) Validate() error {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	c.SocketURL = strings.TrimSpace(c.SocketURL)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	return nil
}

// PageIDs returns the configured page account id per channel.
func (c *Config) PageIDs() map[enquiry.Channel]string {
	ids := map[enquiry.Channel]string{}
	if id := strings.TrimSpace(c.FacebookPageID); id != "" {
		ids[enquiry.ChannelFacebook] = id
	}
	if id := strings.TrimSpace(c.InstagramPageID); id != "" {
		ids[enquiry.ChannelInstagram] = id
	}
	return ids
}

func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by the configuration.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
