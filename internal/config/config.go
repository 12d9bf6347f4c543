package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "CARDSYNC_"

// Config holds the settings for the client.
type Config struct {
	API APIConfig `koanf:"api"`
	DB  DBConfig  `koanf:"db"`
	Log LogConfig `koanf:"log"`
	Web WebConfig `koanf:"web"`
}

// APIConfig locates the card API. Token is sent as a bearer token when set.
type APIConfig struct {
	URL     string        `koanf:"url" validate:"required,url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// DBConfig points at the SQLite file holding the pending journal and the
// snapshot cache.
type DBConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// LogConfig selects the level and handler of the slog logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// WebConfig is the listen address of the HTTP bridge.
type WebConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		API: APIConfig{
			URL:     "http://localhost:3000",
			Timeout: 15 * time.Second,
		},
		DB:  DBConfig{Path: "cardsync.db"},
		Log: LogConfig{Level: "info", Format: "text"},
		Web: WebConfig{Addr: "127.0.0.1:8080"},
	}
}

// RegisterFlags adds the configuration flags to the flag set. Flag names match the
// koanf keys so the posflag provider can overlay them.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("config", "cardsync.yaml", "Path to the YAML configuration file")
	flags.String("api.url", d.API.URL, "Base URL of the card API")
	flags.String("api.token", "", "Bearer token for the card API")
	flags.Duration("api.timeout", d.API.Timeout, "Timeout for a single API request")
	flags.String("db.path", d.DB.Path, "Path to the SQLite journal")
	flags.String("log.level", d.Log.Level, "Log level: debug, info, warn, error")
	flags.String("log.format", d.Log.Format, "Log format: text or json")
	flags.String("web.addr", d.Web.Addr, "Listen address for the HTTP bridge")
}

// Load layers defaults, the YAML file, CARDSYNC_* environment variables and
// explicitly set flags, in increasing order of precedence.
func Load(flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	d := Defaults()
	defaults := map[string]any{
		"api.url":     d.API.URL,
		"api.timeout": d.API.Timeout.String(),
		"db.path":     d.DB.Path,
		"log.level":   d.Log.Level,
		"log.format":  d.Log.Format,
		"web.addr":    d.Web.Addr,
	}
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return Config{}, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	path, _ := flags.GetString("config")
	if path != "" {
		// The file is optional unless it was named explicitly.
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		case errors.Is(statErr, fs.ErrNotExist) && !flags.Changed("config"):
		default:
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, statErr)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.Replace(key, "_", ".", 1), value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for missing or malformed values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logger builds the process logger described by the log settings.
func (c LogConfig) Logger() *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
