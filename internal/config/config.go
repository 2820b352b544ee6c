// Package config loads process-wide configuration via viper, with an
// optional .env preload via godotenv for local development. The
// configuration object is read-only once the supervisor has started.
package config

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrRunning is returned by SetPort and SetHost when called after the
// supervisor has started.
var ErrRunning = errors.New("config: cannot mutate while server is running")

// Config is the process-wide, mutation-while-stopped configuration
// object.
type Config struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	BufferSize       int    `mapstructure:"buffer_size"`
	Encoding         string `mapstructure:"encoding"`
	MaxConnections   int    `mapstructure:"connections"`
	InstalledModules []string `mapstructure:"installed_modules"`

	StoreDriver string `mapstructure:"store.driver"`
	StoreDSN    string `mapstructure:"store.dsn"`

	MetricsPort int `mapstructure:"metrics_port"`

	running atomic.Bool
}

// Defaults matches the recognized configuration options and their
// default values.
func Defaults() *Config {
	return &Config{
		Host:             "localhost",
		Port:             7777,
		BufferSize:       65536,
		Encoding:         "utf-8",
		MaxConnections:   7,
		InstalledModules: []string{"auth", "chat"},
		StoreDriver:      "sqlite",
		StoreDSN:         "db.sqlite",
		MetricsPort:      8080,
	}
}

// Load builds a Config from defaults, optionally overlaid by an .env
// file at envPath (silently skipped if absent) and by environment
// variables prefixed MESSENGER_.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	v := viper.New()
	v.SetEnvPrefix("messenger")
	v.AutomaticEnv()

	cfg := Defaults()
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("buffer_size", cfg.BufferSize)
	v.SetDefault("encoding", cfg.Encoding)
	v.SetDefault("connections", cfg.MaxConnections)
	v.SetDefault("installed_modules", cfg.InstalledModules)
	v.SetDefault("store.driver", cfg.StoreDriver)
	v.SetDefault("store.dsn", cfg.StoreDSN)
	v.SetDefault("metrics_port", cfg.MetricsPort)

	cfg.Host = v.GetString("host")
	cfg.Port = v.GetInt("port")
	cfg.BufferSize = v.GetInt("buffer_size")
	cfg.Encoding = v.GetString("encoding")
	cfg.MaxConnections = v.GetInt("connections")
	cfg.InstalledModules = v.GetStringSlice("installed_modules")
	cfg.StoreDriver = v.GetString("store.driver")
	cfg.StoreDSN = v.GetString("store.dsn")
	cfg.MetricsPort = v.GetInt("metrics_port")

	if cfg.Port < 0 {
		return nil, fmt.Errorf("config: port must be non-negative, got %d", cfg.Port)
	}
	return cfg, nil
}

// MarkRunning flips the config into its immutable phase. Called once by
// the supervisor at Start.
func (c *Config) MarkRunning() {
	c.running.Store(true)
}

// MarkStopped flips the config back into its mutable phase.
func (c *Config) MarkStopped() {
	c.running.Store(false)
}

// SetPort mutates the port, rejecting the change while running.
func (c *Config) SetPort(port int) error {
	if c.running.Load() {
		return ErrRunning
	}
	c.Port = port
	return nil
}

// SetHost mutates the host, rejecting the change while running.
func (c *Config) SetHost(host string) error {
	if c.running.Load() {
		return ErrRunning
	}
	c.Host = host
	return nil
}
