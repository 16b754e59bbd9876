package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is read from a YAML file; command-line flags override it.
type Config struct {
	Dir      string `yaml:"dir"`
	Backend  string `yaml:"backend"`
	MaxBatch int    `yaml:"max_batch"`
	Writer   string `yaml:"writer"`
	Verbose  bool   `yaml:"verbose"`
	Sync     bool   `yaml:"sync"`
}

const (
	defaultConfigFile = "kvview.yaml"
	defaultDir        = "kvview-data"
	defaultWriter     = "local"
)

const (
	backendBolt   = "bolt"
	backendPebble = "pebble"
	backendBadger = "badger"
	backendMemory = "memory"
)

// loadConfig reads path. A missing file is fine unless the user named it
// explicitly.
func loadConfig(path string, explicit bool) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) fill() error {
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}
	if cfg.Backend == "" {
		cfg.Backend = backendBolt
	}
	if cfg.Writer == "" {
		cfg.Writer = defaultWriter
	}
	switch cfg.Backend {
	case backendBolt, backendPebble, backendBadger, backendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want bolt, pebble, badger or memory)", cfg.Backend)
	}
	if cfg.MaxBatch < 0 {
		return fmt.Errorf("max_batch must not be negative")
	}
	return nil
}
