package repo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/odvcencio/gotgc/pkg/gc"
)

// Config stores repository-local settings.
type Config struct {
	GC gc.Config `toml:"gc"`
}

// DefaultConfig returns the settings of a repository without config file.
func DefaultConfig() *Config {
	return &Config{GC: gc.DefaultConfig()}
}

func (r *Repo) configPath() string {
	return filepath.Join(r.GotDir, "config.toml")
}

// ReadConfig reads .got/config.toml on top of the defaults. A missing file
// yields the defaults. Unknown keys and unparsable expiration expressions
// are reported as *gc.ConfigError.
func (r *Repo) ReadConfig() (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(r.configPath(), cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", &gc.ConfigError{Key: "config.toml", Err: err})
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("read config: %w", &gc.ConfigError{
			Key: undecoded[0].String(),
			Err: fmt.Errorf("unknown setting"),
		})
	}
	if err := cfg.GC.Validate(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return cfg, nil
}

// WriteConfig atomically writes .got/config.toml.
func (r *Repo) WriteConfig(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("write config: encode: %w", err)
	}

	if err := writeFileAtomic(r.configPath(), buf.Bytes()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
