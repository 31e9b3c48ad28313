package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/mangadex-client/pkg/client"
	"github.com/Sternrassler/mangadex-client/pkg/logging"
)

const defaultUserAgent = "dexctl/0.1.0 (+https://github.com/Sternrassler/mangadex-client)"

// Config is the dexctl configuration, read from dexctl.yaml and DEXCTL_* variables.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// APIConfig holds the MangaDex connection settings.
type APIConfig struct {
	URL              string        `mapstructure:"url"`
	UserAgent        string        `mapstructure:"user_agent"`
	MaxRetries       int           `mapstructure:"max_retries"`
	SleepOnRatelimit bool          `mapstructure:"sleep_on_ratelimit"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// AuthConfig holds the account credentials. Leave them empty for anonymous access.
type AuthConfig struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	RefreshToken string `mapstructure:"refresh_token"`
	Anonymous    bool   `mapstructure:"anonymous"`
}

// RedisConfig enables the shared rate limit store when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// loadConfig reads the configuration. An explicit path must exist; otherwise dexctl.yaml is
// looked up in the working directory, ~/.config/dexctl and /etc/dexctl, and running without
// one is fine. Root flags bound here override both file and environment.
func loadConfig(path string, cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEXCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		flags := cmd.Flags()
		for key, flag := range map[string]string{
			"logging.level":  "log-level",
			"metrics.addr":   "metrics-addr",
			"auth.anonymous": "anonymous",
		} {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dexctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dexctl"))
		}
		v.AddConfigPath("/etc/dexctl/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so DEXCTL_* variables are seen by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", client.DefaultAPIURL)
	v.SetDefault("api.user_agent", defaultUserAgent)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.sleep_on_ratelimit", true)
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.refresh_token", "")
	v.SetDefault("auth.anonymous", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.color", true)

	v.SetDefault("metrics.addr", "")
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.API.UserAgent) == "" {
		return fmt.Errorf("api.user_agent is required")
	}
	if cfg.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0 (got %d)", cfg.API.MaxRetries)
	}
	if cfg.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive (got %s)", cfg.API.Timeout)
	}
	if (cfg.Auth.Username == "") != (cfg.Auth.Password == "") {
		return fmt.Errorf("auth.username and auth.password must be set together")
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	cfg.Logging.Level = string(level)

	switch cfg.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	return nil
}

// clientConfig maps the CLI configuration onto the library configuration.
func (cfg *Config) clientConfig() client.Config {
	cc := client.DefaultConfig(cfg.API.UserAgent)
	cc.APIURL = cfg.API.URL
	cc.MaxRetries = cfg.API.MaxRetries
	cc.SleepOnRatelimit = cfg.API.SleepOnRatelimit
	cc.Username = cfg.Auth.Username
	cc.Password = cfg.Auth.Password
	cc.RefreshToken = cfg.Auth.RefreshToken
	cc.Anonymous = cfg.Auth.Anonymous
	return cc
}
