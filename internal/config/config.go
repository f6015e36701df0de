package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"plugin-license-server/internal/account"
	"plugin-license-server/internal/catalog"
	"plugin-license-server/internal/store"
)

const EnvPrefix = "LICENSED"

type Config struct {
	App struct {
		Name string `mapstructure:"name"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"app"`
	HTTP struct {
		Addr              string        `mapstructure:"addr"`
		ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	Store store.Config `mapstructure:"store"`
	Keys  struct {
		Format      string `mapstructure:"format"`
		Prefix      string `mapstructure:"prefix"`
		MaxAttempts int    `mapstructure:"max_attempts"`
	} `mapstructure:"keys"`
	License struct {
		DefaultValidity time.Duration `mapstructure:"default_validity"`
	} `mapstructure:"license"`
	Validation struct {
		AllowUnparsedServer bool `mapstructure:"allow_unparsed_server"`
	} `mapstructure:"validation"`
	Accounts account.Config  `mapstructure:"accounts"`
	Plugins  []catalog.Entry `mapstructure:"plugins"`
	Telegram struct {
		Enabled     bool   `mapstructure:"enabled"`
		Token       string `mapstructure:"token"`
		AdminChatID int64  `mapstructure:"admin_chat_id"`
	} `mapstructure:"telegram"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "licenseserver")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.driver", "bbolt")
	v.SetDefault("store.path", "./data/licenses.db")
	v.SetDefault("store.timeout", 5*time.Second)
	v.SetDefault("store.redis.in_memory", false)
	v.SetDefault("store.redis.addr", "127.0.0.1:6379")
	v.SetDefault("store.redis.username", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "license")
	v.SetDefault("store.redis.max_retries", 64)
	v.SetDefault("store.sql.dialect", "sqlite")
	v.SetDefault("store.sql.dsn", "./data/licenses.sqlite")
	v.SetDefault("store.sql.show_sql", false)

	v.SetDefault("keys.format", "uuid")
	v.SetDefault("keys.prefix", "")
	v.SetDefault("keys.max_attempts", 5)

	v.SetDefault("license.default_validity", 365*24*time.Hour)
	v.SetDefault("validation.allow_unparsed_server", false)

	v.SetDefault("accounts.default_limit", account.DefaultLicenseLimit)
	v.SetDefault("accounts.admin_token", "")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.admin_chat_id", 0)

	v.SetDefault("log.level", "info")
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"addr":      "http.addr",
	"store":     "store.driver",
	"db":        "store.path",
	"dsn":       "store.sql.dsn",
	"env":       "app.env",
	"log-level": "log.level",
}

// Load reads defaults, then file (or ./config.yaml when file is empty and it
// exists), then LICENSED_* environment variables, then any flags in fs that
// were set.
func Load(file string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "bbolt", "redis", "sql":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "bbolt" && c.Store.Path == "" {
		return errors.New("store.path is required for bbolt")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram.token is required when telegram is enabled")
	}
	if c.Telegram.Enabled && c.Telegram.AdminChatID == 0 {
		return errors.New("telegram.admin_chat_id is required when telegram is enabled")
	}
	return nil
}
