// Package settings reads the host settings: pool sizes, enabled categories
// and logging verbosity.
package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/viking-gps/bgpool/internal/background"
)

const (
	FileName  = "settings.yaml"
	EnvPrefix = "BGPOOL"
)

var ErrInvalid = errors.New("invalid settings")

type Pool struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	MaxThreads int  `mapstructure:"max_threads" yaml:"max_threads"`
}

type Settings struct {
	Verbose bool            `mapstructure:"verbose" yaml:"verbose"`
	Pools   map[string]Pool `mapstructure:"pools" yaml:"pools"`
}

// Default mirrors background.DefaultPoolConfigs.
func Default() Settings {
	s := Settings{Pools: make(map[string]Pool)}
	for _, cfg := range background.DefaultPoolConfigs() {
		s.Pools[cfg.Category.String()] = Pool{
			Enabled:    cfg.Enabled,
			MaxThreads: cfg.MaxThreads,
		}
	}
	return s
}

// Load reads the settings file at path on top of the defaults. An empty path
// loads the defaults only. BGPOOL_ prefixed environment variables override
// both, eg. BGPOOL_POOLS_REMOTE_MAX_THREADS=4.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("reading settings %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper, s Settings) {
	v.SetDefault("verbose", s.Verbose)
	for name, p := range s.Pools {
		v.SetDefault("pools."+name+".enabled", p.Enabled)
		v.SetDefault("pools."+name+".max_threads", p.MaxThreads)
	}
}

func (s Settings) Validate() error {
	var errs []error
	for name, p := range s.Pools {
		if _, err := background.ParseCategory(name); err != nil {
			errs = append(errs, fmt.Errorf("%w: pools.%s: %w", ErrInvalid, name, err))
			continue
		}
		if p.MaxThreads < 0 {
			errs = append(errs, fmt.Errorf("%w: pools.%s.max_threads must not be negative, got %d", ErrInvalid, name, p.MaxThreads))
		}
	}
	return errors.Join(errs...)
}

// PoolConfigs returns one config per category, in category order.
func (s Settings) PoolConfigs() []background.PoolConfig {
	cfgs := make([]background.PoolConfig, 0, len(s.Pools))
	for _, c := range background.Categories() {
		p, ok := s.Pools[c.String()]
		if !ok {
			continue
		}
		cfgs = append(cfgs, background.PoolConfig{
			Category:   c,
			MaxThreads: p.MaxThreads,
			Enabled:    p.Enabled,
		})
	}
	return cfgs
}

// Locate returns the first settings file found in dirs, or an empty string.
func Locate(dirs ...string) string {
	for _, d := range dirs {
		path := filepath.Join(d, FileName)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path
		}
	}
	return ""
}

func Write(w io.Writer, s Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	return enc.Close()
}

// WriteFile stores s at path, creating the parent directory.
func WriteFile(path string, s Settings) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := Write(f, s); err != nil {
		return err
	}
	return f.Sync()
}
