package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// binder converts between a setting's stored text and its Config field.
type binder struct {
	set func(c *Config, raw string) error
	get func(c Config) string
}

func text(field func(*Config) *string) binder {
	return binder{
		set: func(c *Config, raw string) error {
			*field(c) = raw
			return nil
		},
		get: func(c Config) string { return *field(&c) },
	}
}

func integer(field func(*Config) *int) binder {
	return binder{
		set: func(c *Config, raw string) error {
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%q is not an integer", raw)
			}
			*field(c) = n
			return nil
		},
		get: func(c Config) string { return strconv.Itoa(*field(&c)) },
	}
}

func number(field func(*Config) *float64) binder {
	return binder{
		set: func(c *Config, raw string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return fmt.Errorf("%q is not a number", raw)
			}
			*field(c) = f
			return nil
		},
		get: func(c Config) string { return strconv.FormatFloat(*field(&c), 'f', -1, 64) },
	}
}

type setting struct {
	name string
	// secret settings never live in the config file.
	secret bool
	bind   binder
}

// envVar is the BRAIN_* variable overriding the setting, e.g.
// api.base_url -> BRAIN_API_BASE_URL.
func (s setting) envVar() string {
	return "BRAIN_" + strings.ToUpper(strings.ReplaceAll(s.name, ".", "_"))
}

const tokenSetting = "api.token"

var settings = []setting{
	{name: "api.base_url", bind: text(func(c *Config) *string { return &c.API.BaseURL })},
	{name: tokenSetting, secret: true, bind: text(func(c *Config) *string { return &c.API.Token })},
	{name: "api.timeout", bind: text(func(c *Config) *string { return &c.API.Timeout })},
	{name: "api.max_retries", bind: integer(func(c *Config) *int { return &c.API.MaxRetries })},
	{name: "api.rate_limit", bind: number(func(c *Config) *float64 { return &c.API.RateLimit })},
	{name: "user.id", bind: text(func(c *Config) *string { return &c.User.ID })},
	{name: "user.fcm_token", bind: text(func(c *Config) *string { return &c.User.FCMToken })},
	{name: "user.timezone", bind: text(func(c *Config) *string { return &c.User.Timezone })},
	{name: "storage.data_dir", bind: text(func(c *Config) *string { return &c.Storage.DataDir })},
	{name: "log.level", bind: text(func(c *Config) *string { return &c.Log.Level })},
	{name: "log.format", bind: text(func(c *Config) *string { return &c.Log.Format })},
}

func lookupSetting(name string) (setting, bool) {
	for _, s := range settings {
		if s.name == name {
			return s, true
		}
	}
	return setting{}, false
}

// applyStore copies every non-secret value present in st onto cfg.
func applyStore(cfg *Config, st Store) error {
	for _, s := range settings {
		if s.secret {
			continue
		}
		raw, ok, err := st.Lookup(s.name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.name, err)
		}
		if !ok {
			continue
		}
		if err := s.bind.set(cfg, raw); err != nil {
			return fmt.Errorf("config %s: %w", s.name, err)
		}
	}
	return nil
}

// applyEnv lets BRAIN_* variables override file values. Unparsable
// overrides are ignored with a warning.
func applyEnv(cfg *Config) {
	for _, s := range settings {
		raw := os.Getenv(s.envVar())
		if raw == "" {
			continue
		}
		if err := s.bind.set(cfg, raw); err != nil {
			slog.Warn("ignoring environment override", "var", s.envVar(), "error", err)
		}
	}
}
