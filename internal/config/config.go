package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Simulation SimulationConfig `toml:"simulation"`
	Server     ServerConfig     `toml:"server"`
	Trace      TraceConfig      `toml:"trace"`
	Raw        map[string]any   `toml:"-"`
	Path       string           `toml:"-"`
}

type SimulationConfig struct {
	Rounds       int    `toml:"rounds"`
	Relief       bool   `toml:"relief"`
	ReliefFactor uint64 `toml:"relief_factor"`
	Input        string `toml:"input"`
}

type ServerConfig struct {
	Addr         string `toml:"addr"`
	HistoryLimit int    `toml:"history_limit"`
	MaxRounds    int    `toml:"max_rounds"`
}

type TraceConfig struct {
	Dir string `toml:"dir"`
}

// Load reads the TOML config at path, or the default location when path is empty.
// A missing default file yields an empty config; a missing explicit file is an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg, err := Parse(string(bytes))
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	if cfg.Simulation.Input != "" && !filepath.IsAbs(cfg.Simulation.Input) {
		cfg.Simulation.Input = filepath.Join(filepath.Dir(resolved), cfg.Simulation.Input)
	}
	return cfg, nil
}

func Parse(data string) (Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("decode config file: unknown keys %v", undecoded)
	}
	var raw map[string]any
	if _, err := toml.Decode(data, &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keepaway/config.toml"
	}
	return filepath.Join(home, ".keepaway", "config.toml")
}
