// Package config loads fillwatch settings from defaults, an optional YAML
// file and FILLWATCH_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FILLWATCH_SERVER_ADDR
const EnvPrefix = "FILLWATCH"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Validation ValidationConfig `mapstructure:"validation"`
	API        APIConfig        `mapstructure:"api"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	PublicDir     string        `mapstructure:"public_dir"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig selects the shared stores. An empty URL keeps sessions,
// nonces and events in process.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	NonceTTL      time.Duration   `mapstructure:"nonce_ttl"`
	SweepInterval time.Duration   `mapstructure:"sweep_interval"`
	SessionTTL    time.Duration   `mapstructure:"session_ttl"`
	CookieSecure  bool            `mapstructure:"cookie_secure"`
	TestLogin     TestLoginConfig `mapstructure:"test_login"`
}

type TestLoginConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ValidationConfig struct {
	NotifyPrefixes []string `mapstructure:"notify_prefixes"`
}

type APIConfig struct {
	RedactSigningKey bool `mapstructure:"redact_signing_key"`
}

// ChainConfig points monitors at a node. Assets maps a token symbol to its
// contract address; symbols missing from AssetDecimals use 18 decimals.
type ChainConfig struct {
	NodeURL       string            `mapstructure:"node_url"`
	DialTimeout   time.Duration     `mapstructure:"dial_timeout"`
	Assets        map[string]string `mapstructure:"assets"`
	AssetDecimals map[string]int32  `mapstructure:"asset_decimals"`
}

// NotifierConfig bounds webhook delivery of a fill before it is parked on
// the failed fills topic
type NotifierConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.shutdown_grace", 10*time.Second)
	v.SetDefault("server.public_dir", "public")
	v.SetDefault("database.path", "fillwatch.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("auth.nonce_ttl", 5*time.Minute)
	v.SetDefault("auth.sweep_interval", time.Minute)
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("auth.cookie_secure", false)
	v.SetDefault("auth.test_login.enabled", false)
	v.SetDefault("auth.test_login.username", "")
	v.SetDefault("auth.test_login.password", "")
	v.SetDefault("validation.notify_prefixes", []string{"https://discord.com/api/webhooks/"})
	v.SetDefault("api.redact_signing_key", false)
	v.SetDefault("chain.node_url", "wss://ethereum-rpc.publicnode.com")
	v.SetDefault("chain.dial_timeout", 15*time.Second)
	v.SetDefault("chain.assets", map[string]string{
		"USDC": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"USDT": "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		"WETH": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	})
	v.SetDefault("chain.asset_decimals", map[string]int32{
		"USDC": 6,
		"USDT": 6,
	})
	v.SetDefault("notifier.max_retries", 5)
	v.SetDefault("notifier.initial_interval", time.Second)
	v.SetDefault("notifier.max_interval", time.Minute)
	v.SetDefault("notifier.timeout", 10*time.Second)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("server.shutdown_grace must be positive"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Auth.NonceTTL <= 0 {
		errs = append(errs, errors.New("auth.nonce_ttl must be positive"))
	}
	if c.Auth.SweepInterval <= 0 {
		errs = append(errs, errors.New("auth.sweep_interval must be positive"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl must be positive"))
	}
	if c.Auth.TestLogin.Enabled && (c.Auth.TestLogin.Username == "" || c.Auth.TestLogin.Password == "") {
		errs = append(errs, errors.New("auth.test_login requires username and password when enabled"))
	}
	if c.Chain.DialTimeout <= 0 {
		errs = append(errs, errors.New("chain.dial_timeout must be positive"))
	}
	if c.Notifier.MaxRetries < 0 {
		errs = append(errs, errors.New("notifier.max_retries must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
