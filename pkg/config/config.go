package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the service configuration, loaded from a TOML file.
type Config struct {
	API           APIConfig           `toml:"api"`
	Database      DatabaseConfig      `toml:"database"`
	Sweep         SweepConfig         `toml:"sweep"`
	Mpesa         MpesaConfig         `toml:"mpesa"`
	Notifications NotificationsConfig `toml:"notifications"`
}

type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type SweepConfig struct {
	// Interval between overdue-installment sweeps, e.g. "1h", "30m".
	Interval string `toml:"interval"`
}

// IntervalDuration parses the sweep interval, falling back to one hour.
func (s SweepConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

type MpesaConfig struct {
	Environment    string `toml:"environment"` // "sandbox" or "production"
	ConsumerKey    string `toml:"consumer_key"`
	ConsumerSecret string `toml:"consumer_secret"`
	Passkey        string `toml:"passkey"`
	Shortcode      string `toml:"shortcode"`
	CallbackURL    string `toml:"callback_url"`
}

type NotificationsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "loanledger.db",
		},
		Sweep: SweepConfig{
			Interval: "1h",
		},
		Mpesa: MpesaConfig{
			Environment: "sandbox",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
	}
}

// Load reads the config file at path, layered over the defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
