// Package config holds application configuration: defaults, an optional
// TOML file, and flag overrides applied by the caller.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration.
type Config struct {
	SourceDir     string `toml:"source_dir"`
	OutputDir     string `toml:"output_dir"`
	RecursiveScan bool   `toml:"recursive"`
	Verbose       bool   `toml:"verbose"`

	// Scheduler capacity limits. Fixed for the session, not
	// runtime-negotiable.
	WorkerCount int `toml:"workers"`
	MaxQueue    int `toml:"max_queue"`

	// Default encoding options applied to every task unless overridden.
	Mode         string `toml:"mode"`
	Quality      int    `toml:"quality"`
	TargetSizeKB int    `toml:"target_size_kb"`
	MaxWidth     int    `toml:"max_width"`
	MaxHeight    int    `toml:"max_height"`
	Format       string `toml:"format"`
	KeepMetadata bool   `toml:"keep_metadata"`

	// Logging options
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SourceDir:     ".",
		OutputDir:     "",
		RecursiveScan: true,
		WorkerCount:   runtime.NumCPU(),
		MaxQueue:      256,
		Mode:          "lossy",
		Quality:       80,
		Format:        "auto",
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load overlays a TOML file onto the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
