// Package config loads the billing service configuration from an optional
// billing.yaml and BILLING_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Email    EmailConfig    `mapstructure:"email"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port    string `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StripeConfig struct {
	SecretKey         string `mapstructure:"secret_key"`
	WebhookSecret     string `mapstructure:"webhook_secret"`
	BasePriceID       string `mapstructure:"base_price_id"`
	AdditionalPriceID string `mapstructure:"additional_price_id"`
}

type PricingConfig struct {
	BasePrice       string `mapstructure:"base_price"`
	AdditionalPrice string `mapstructure:"additional_price"`
	Currency        string `mapstructure:"currency"`
}

// Amounts parses the configured prices. Both must be zero or more so the
// price never drops as subjects are added.
func (p PricingConfig) Amounts() (base, additional decimal.Decimal, err error) {
	base, err = parseAmount("pricing.base_price", p.BasePrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	additional, err = parseAmount("pricing.additional_price", p.AdditionalPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return base, additional, nil
}

func parseAmount(key, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", key, value, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative, got %s", key, value)
	}
	return d, nil
}

// RedisConfig enables the distributed plan-change lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type EmailConfig struct {
	PostmarkToken string `mapstructure:"postmark_token"`
	FromEmail     string `mapstructure:"from_email"`
}

// ArchiveConfig enables webhook payload archiving when Bucket is set.
type ArchiveConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type JobsConfig struct {
	SessionCleanup string        `mapstructure:"session_cleanup"`
	PendingSweep   string        `mapstructure:"pending_sweep"`
	EventRetention time.Duration `mapstructure:"event_retention"`
}

// Load reads configuration. configFile may be empty, in which case billing.yaml
// is looked up in the working directory and ./configs; a missing file is not
// an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://localhost:%s", cfg.Server.Port)
	}
	if _, _, err := cfg.Pricing.Amounts(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.base_url", "")

	v.SetDefault("database.path", "billing.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.base_price_id", "")
	v.SetDefault("stripe.additional_price_id", "")

	v.SetDefault("pricing.base_price", "12.00")
	v.SetDefault("pricing.additional_price", "8.00")
	v.SetDefault("pricing.currency", "eur")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("email.postmark_token", "")
	v.SetDefault("email.from_email", "")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "webhooks/")
	v.SetDefault("archive.region", "auto")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")

	v.SetDefault("jobs.session_cleanup", "@hourly")
	v.SetDefault("jobs.pending_sweep", "@every 15m")
	v.SetDefault("jobs.event_retention", 30*24*time.Hour)
}
