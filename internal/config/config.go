package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	API     APIConfig
	User    UserConfig
	Storage StorageConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL    string
	Token      string
	Timeout    string
	MaxRetries int
	RateLimit  float64 // requests per second; 0 disables pacing
}

type UserConfig struct {
	ID       string
	FCMToken string
	Timezone string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:    "http://localhost:3000",
			Timeout:    "30s",
			MaxRetries: 3,
			RateLimit:  10,
		},
		User: UserConfig{
			Timezone: "UTC",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the effective configuration. Values are layered as defaults,
// then $XDG_CONFIG_HOME/brain/config.json, then BRAIN_* environment
// variables. The API token never comes from the config file: it is taken
// from BRAIN_API_TOKEN or from secrets.json in the data directory.
func Load() (Config, error) {
	settings, err := openJSONStore(configFilePath())
	if err != nil {
		slog.Warn("config file ignored, using defaults", "error", err)
	}
	return loadWith(settings, func(dataDir string) Store {
		secrets, err := openJSONStore(secretsFilePath(dataDir))
		if err != nil {
			slog.Warn("secrets file ignored", "error", err)
		}
		return secrets
	})
}

func loadWith(settings Store, secrets func(dataDir string) Store) (Config, error) {
	cfg := defaults()
	if err := applyStore(&cfg, settings); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)

	if cfg.API.Token == "" {
		tok, ok, err := secrets(cfg.Storage.DataDir).Lookup(tokenSetting)
		if err != nil {
			return Config{}, fmt.Errorf("reading api token: %w", err)
		}
		if ok {
			cfg.API.Token = strings.TrimSpace(tok)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration values the client cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("missing required config: api.base_url (env BRAIN_API_BASE_URL)")
	}
	if _, err := time.ParseDuration(c.API.Timeout); err != nil {
		return fmt.Errorf("invalid api.timeout %q: %w", c.API.Timeout, err)
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("invalid api.max_retries %d: must not be negative", c.API.MaxRetries)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("invalid api.rate_limit %v: must not be negative", c.API.RateLimit)
	}
	if _, err := time.LoadLocation(c.User.Timezone); err != nil {
		return fmt.Errorf("invalid user.timezone %q: %w", c.User.Timezone, err)
	}
	return nil
}

// RequestTimeout returns the parsed transport timeout. Validate has already
// rejected unparsable values, so the fallback is only hit for zero configs.
func (c Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.API.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
