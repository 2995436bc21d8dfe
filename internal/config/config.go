// Package config loads settings from defaults, an optional YAML file,
// NOTICEBOARD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix prefixes every environment override, e.g. NOTICEBOARD_HTTP_ADDR.
const EnvPrefix = "NOTICEBOARD"

type Config struct {
	Level     string `mapstructure:"level"`
	LogFormat string `mapstructure:"log_format"`

	HTTP struct {
		Addr              string        `mapstructure:"addr"`
		ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Session struct {
		TTL          time.Duration `mapstructure:"ttl"`
		CookieName   string        `mapstructure:"cookie_name"`
		CookieSecure bool          `mapstructure:"cookie_secure"`
	} `mapstructure:"session"`

	WS struct {
		MaxConns        int           `mapstructure:"max_conns"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		SendBuffer      int           `mapstructure:"send_buffer"`
		FailureLimit    int           `mapstructure:"failure_limit"`
		InsecureOrigins bool          `mapstructure:"insecure_origins"`
	} `mapstructure:"ws"`

	Presence struct {
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	} `mapstructure:"presence"`

	Store struct {
		Driver  string `mapstructure:"driver"`
		MaxSize int    `mapstructure:"max_size"`

		Redis struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Key      string `mapstructure:"key"`
		} `mapstructure:"redis"`

		Mongo struct {
			URI        string `mapstructure:"uri"`
			Database   string `mapstructure:"database"`
			Collection string `mapstructure:"collection"`
		} `mapstructure:"mongo"`
	} `mapstructure:"store"`

	Accounts struct {
		Path             string `mapstructure:"path"`
		SeedFile         string `mapstructure:"seed_file"`
		AllowAdminSignup bool   `mapstructure:"allow_admin_signup"`
		HashCost         int    `mapstructure:"hash_cost"`
	} `mapstructure:"accounts"`

	RateLimit struct {
		AuthPerMinute int `mapstructure:"auth_per_minute"`
		Burst         int `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	Keepalive struct {
		URL      string `mapstructure:"url"`
		Schedule string `mapstructure:"schedule"`
	} `mapstructure:"keepalive"`
}

var defaults = map[string]any{
	"level":      "info",
	"log_format": "console",

	"http.addr":                ":8080",
	"http.read_header_timeout": "10s",
	"http.shutdown_timeout":    "15s",

	"session.ttl":           "24h",
	"session.cookie_name":   "noticeboard_session",
	"session.cookie_secure": false,

	"ws.max_conns":        0,
	"ws.idle_timeout":     "0s",
	"ws.send_buffer":      16,
	"ws.failure_limit":    3,
	"ws.insecure_origins": false,

	"presence.refresh_interval": "0s",

	"store.driver":           "memory",
	"store.max_size":         0,
	"store.redis.addr":       "localhost:6379",
	"store.redis.password":   "",
	"store.redis.db":         0,
	"store.redis.key":        "noticeboard:notifications",
	"store.mongo.uri":        "mongodb://localhost:27017",
	"store.mongo.database":   "noticeboard",
	"store.mongo.collection": "notifications",

	"accounts.path":               "data/accounts.db",
	"accounts.seed_file":          "",
	"accounts.allow_admin_signup": true,
	"accounts.hash_cost":          10,

	"ratelimit.auth_per_minute": 10,
	"ratelimit.burst":           5,

	"keepalive.url":      "",
	"keepalive.schedule": "*/5 * * * *",
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"level":      "level",
	"log-format": "log_format",
	"addr":       "http.addr",
	"store":      "store.driver",
	"accounts":   "accounts.path",
}

// Flags registers the command-line overrides on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML config file")
	fs.String("level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "console", "log format (console, json)")
	fs.String("addr", ":8080", "HTTP listen address")
	fs.String("store", "memory", "notification store (memory, redis, mongo)")
	fs.String("accounts", "data/accounts.db", "SQLite accounts database path")
}

// Load builds the configuration. fs may be nil; only flags the user set
// override lower layers.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	file := ""
	if fs != nil {
		file, _ = fs.GetString("config")
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	switch c.Store.Driver {
	case "memory", "redis", "mongo":
	default:
		err = multierr.Append(err, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log_format: must be console or json, got %q", c.LogFormat))
	}
	if c.Session.TTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("session.ttl: must be positive"))
	}
	if c.Session.CookieName == "" {
		err = multierr.Append(err, fmt.Errorf("session.cookie_name: required"))
	}
	if c.WS.MaxConns < 0 || c.WS.SendBuffer < 1 || c.WS.FailureLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("ws: max_conns and failure_limit must be >= 0, send_buffer >= 1"))
	}
	if c.WS.IdleTimeout < 0 || c.Presence.RefreshInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("ws.idle_timeout and presence.refresh_interval must be >= 0"))
	}
	if c.Store.MaxSize < 0 {
		err = multierr.Append(err, fmt.Errorf("store.max_size: must be >= 0"))
	}
	if c.Accounts.Path == "" {
		err = multierr.Append(err, fmt.Errorf("accounts.path: required"))
	}
	if c.RateLimit.AuthPerMinute < 1 {
		err = multierr.Append(err, fmt.Errorf("ratelimit.auth_per_minute: must be >= 1"))
	}
	return err
}
