// Package config loads service settings from an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bullyto/maps/internal/session"
)

type Config struct {
	Port     int    `yaml:"port" validate:"gte=1,lte=65535"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	DatabaseURL string `yaml:"database_url"`
	DBMigrate   bool   `yaml:"db_migrate"`
	RedisURL    string `yaml:"redis_url"`
	AMQPURL     string `yaml:"amqp_url"`

	Auth    AuthConfig    `yaml:"auth"`
	Webhook WebhookConfig `yaml:"webhook"`
	Rate    RateConfig    `yaml:"rate"`

	Session session.Config `yaml:"session"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode" validate:"oneof=dev hmac"`
	HMACSecret string `yaml:"hmac_secret" validate:"required_if=Mode hmac"`
}

type WebhookConfig struct {
	URL         string `yaml:"url" validate:"omitempty,url"`
	Secret      string `yaml:"secret"`
	MaxAttempts int    `yaml:"max_attempts" validate:"gte=1,lte=20"`
}

// RateConfig bounds position pushes per principal. RequestCooldown spaces out
// tracking requests per recipient; zero disables it.
type RateConfig struct {
	RPS             float64       `yaml:"rps" validate:"gt=0"`
	Burst           int           `yaml:"burst" validate:"gte=1"`
	RequestCooldown time.Duration `yaml:"request_cooldown" validate:"gte=0s"`
}

func Default() Config {
	return Config{
		Port:      8080,
		LogLevel:  "info",
		DBMigrate: true,
		Auth:      AuthConfig{Mode: "dev"},
		Webhook:   WebhookConfig{MaxAttempts: 8},
		Rate:      RateConfig{RPS: 2, Burst: 5, RequestCooldown: 30 * time.Second},
		Session:   session.DefaultConfig(),
	}
}

// Load reads CONFIG_FILE when set, then applies environment overrides and validates.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

func applyEnv(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("AMQP_URL", &c.AMQPURL)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("WEBHOOK_URL", &c.Webhook.URL)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)
	str("LOG_LEVEL", &c.LogLevel)
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	c.LogLevel = strings.ToLower(c.LogLevel)

	if v := getenv("DB_MIGRATE"); v != "" {
		// anything but "false" keeps migrations on
		c.DBMigrate = v != "false"
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Port},
		{"WEBHOOK_MAX_ATTEMPTS", &c.Webhook.MaxAttempts},
		{"RATE_BURST", &c.Rate.Burst},
	}
	for _, it := range ints {
		if v := getenv(it.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = n
		}
	}
	if v := getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		c.Rate.RPS = f
	}
	if v := getenv("REQUEST_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQUEST_COOLDOWN: %w", err)
		}
		c.Rate.RequestCooldown = d
	}
	return nil
}
