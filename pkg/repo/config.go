package repo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend names accepted in [refdb] backend.
const (
	BackendFiles  = "files"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config stores repository-local settings.
type Config struct {
	Core  CoreConfig  `toml:"core"`
	Refdb RefdbConfig `toml:"refdb"`
}

type CoreConfig struct {
	LogLevel string `toml:"log_level,omitempty"`
}

// RefdbConfig selects and tunes the reference backend. Path is relative to
// .got/ unless absolute; an empty path picks the backend's default.
type RefdbConfig struct {
	Backend          string   `toml:"backend"`
	Path             string   `toml:"path,omitempty"`
	LockTimeout      Duration `toml:"lock_timeout,omitempty"`
	CompressionLevel int      `toml:"compression_level,omitempty"`
	NoSync           bool     `toml:"no_sync,omitempty"`
}

// Duration is a time.Duration written as "2s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultConfig is what Init writes when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Core:  CoreConfig{LogLevel: "info"},
		Refdb: RefdbConfig{Backend: BackendFiles},
	}
}

func configPath(gotDir string) string {
	return filepath.Join(gotDir, "config.toml")
}

// ReadConfig reads .got/config.toml. Missing config returns the defaults.
func ReadConfig(gotDir string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(configPath(gotDir), cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("read config: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Refdb.Backend {
	case BackendFiles, BackendBolt, BackendSQLite, BackendBadger, BackendMemory:
		return nil
	case "":
		c.Refdb.Backend = BackendFiles
		return nil
	}
	return fmt.Errorf("unknown refdb backend %q", c.Refdb.Backend)
}

// WriteConfig atomically writes .got/config.toml.
func WriteConfig(gotDir string, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("write config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(gotDir, ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("write config: tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: close: %w", err)
	}
	if err := os.Rename(tmpName, configPath(gotDir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: rename: %w", err)
	}
	return nil
}
