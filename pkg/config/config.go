// Package config loads the optional tracer configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the user config directory when no path is
// given.
const DefaultFile = "tracer.yaml"

type Config struct {
	Log     Log     `yaml:"log"`
	Core    Core    `yaml:"core"`
	Process Process `yaml:"process"`
	API     API     `yaml:"api"`
	Top     Top     `yaml:"top"`
}

type Log struct {
	Level  string `yaml:"level"`
	Layers string `yaml:"layers"`
}

type Core struct {
	AutoQuit bool `yaml:"auto_quit"`
}

type Process struct {
	SecondChance bool `yaml:"second_chance"`
}

type API struct {
	Port int `yaml:"port"`
}

type Top struct {
	Refresh time.Duration `yaml:"refresh"`
}

// Default returns the built in settings.
func Default() *Config {
	return &Config{
		Log:  Log{Level: "info"},
		Core: Core{AutoQuit: true},
		API:  API{Port: 8974},
		Top:  Top{Refresh: 2 * time.Second},
	}
}

// Load reads path over the defaults. An empty path tries DefaultFile in the
// user config directory and silently falls back to the defaults when it is
// absent.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		dir, err := os.UserConfigDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(dir, "tracer", DefaultFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Top.Refresh < 0 {
		return fmt.Errorf("top.refresh must not be negative")
	}
	return nil
}
