// Package config resolves runtime settings from flags, environment
// variables and built-in defaults, in that order of precedence.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store driver names accepted by STORE_DRIVER / --store.
const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

// Config is the resolved runtime configuration of the exchange server.
type Config struct {
	HTTPAddr        string
	DSN             string
	StoreDriver     string
	LogDev          bool
	ShutdownTimeout time.Duration
}

// flagBindings maps config keys to the command line flags that may
// override them.
var flagBindings = map[string]string{
	"HTTP_ADDR":    "addr",
	"DB_DSN":       "dsn",
	"STORE_DRIVER": "store",
	"LOG_DEV":      "log-dev",
}

// Load resolves the configuration. A flag set on the command line wins
// over the environment, the environment wins over the defaults. When no
// store driver is chosen explicitly the DSN decides: with one the server
// runs on MySQL, without one on the in-memory store.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("STORE_DRIVER", "")
	v.SetDefault("LOG_DEV", false)
	v.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagBindings {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "bind flag %s", name)
			}
		}
	}

	cfg := &Config{
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		DSN:             v.GetString("DB_DSN"),
		StoreDriver:     v.GetString("STORE_DRIVER"),
		LogDev:          v.GetBool("LOG_DEV"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreMemory
		if cfg.DSN != "" {
			cfg.StoreDriver = StoreMySQL
		}
	}
	switch cfg.StoreDriver {
	case StoreMySQL:
		if cfg.DSN == "" {
			return nil, errors.New("mysql store requires a DSN")
		}
	case StoreMemory:
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return cfg, nil
}
