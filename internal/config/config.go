package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied to fields left unset in config.toml.
const (
	DefaultProfile      = "main"
	DefaultServerURL    = "http://localhost:8080"
	DefaultPageSize     = 20
	DefaultReadDebounce = 300 * time.Millisecond
	DefaultSyncInterval = 5 * time.Minute
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	ServerURL      string   `toml:"server_url"`
	UserID         int64    `toml:"user_id"`
	PageSize       int      `toml:"page_size"`
	ReadDebounce   Duration `toml:"read_debounce"`
	SyncInterval   Duration `toml:"sync_interval"`
}

// Duration is a time.Duration written as a Go duration string ("300ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DefaultProfile == "" {
		c.DefaultProfile = DefaultProfile
	}
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ReadDebounce.Duration <= 0 {
		c.ReadDebounce.Duration = DefaultReadDebounce
	}
	if c.SyncInterval.Duration <= 0 {
		c.SyncInterval.Duration = DefaultSyncInterval
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.UserID <= 0 {
		return fmt.Errorf("user_id must be set to the signed-in user's id")
	}
	return nil
}

// Load reads config from path and applies defaults. Returns an error if the
// file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
