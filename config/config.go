// config/config.go

// Package config holds deployment settings for the host demos: which
// serial device or terminal carries the console, and what backs the
// simulated SD card.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"capsules-go/x/fmtx"
	"capsules-go/x/mathx"
	"capsules-go/x/strx"
)

type Config struct {
	Console ConsoleConfig `yaml:"console"`
	SDCard  SDCardConfig  `yaml:"sdcard"`
}

type ConsoleConfig struct {
	// UseTTY runs the console on the local terminal instead of a serial
	// port.
	UseTTY     bool   `yaml:"use_tty"`
	Device     string `yaml:"device"`
	Baud       int    `yaml:"baud"`
	HistoryLen int    `yaml:"history_len"`
}

type SDCardConfig struct {
	// Image is a card image file; when empty a memory-backed card of
	// Sectors 512-byte sectors is used.
	Image   string `yaml:"image"`
	Sectors int    `yaml:"sectors"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)
	return cfg
}

// Load reads, validates, and normalizes a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmtx.Errorf("parse %s: %v", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	Normalize(&cfg)
	return &cfg, nil
}

// Validate checks declarative correctness without mutating anything.
func Validate(cfg *Config) error {
	if cfg.Console.Baud != 0 && !mathx.Between(cfg.Console.Baud, 1200, 921600) {
		return fmtx.Errorf("console baud %d out of range", cfg.Console.Baud)
	}
	if cfg.Console.HistoryLen < 0 {
		return fmtx.Errorf("console history_len must not be negative")
	}
	if cfg.SDCard.Sectors < 0 {
		return fmtx.Errorf("sdcard sectors must not be negative")
	}
	if cfg.SDCard.Sectors != 0 && cfg.SDCard.Sectors%1024 != 0 {
		return fmtx.Errorf("sdcard sectors must be a multiple of 1024")
	}
	return nil
}

// Normalize fills defaults. It must run after Validate.
func Normalize(cfg *Config) {
	cfg.Console.Device = strx.Coalesce(cfg.Console.Device, "/dev/ttyUSB0")
	if cfg.Console.Baud == 0 {
		cfg.Console.Baud = 115200
	}
	if cfg.Console.HistoryLen == 0 {
		cfg.Console.HistoryLen = 10
	}
	cfg.Console.HistoryLen = mathx.Clamp(cfg.Console.HistoryLen, 1, 64)
	if cfg.SDCard.Sectors == 0 {
		cfg.SDCard.Sectors = 2048
	}
}
