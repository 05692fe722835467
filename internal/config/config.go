// Package config loads the static ward configuration (units, readiness
// checks, log/server/store settings) from a TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/ward/internal/readiness"
	"github.com/loykin/ward/internal/unit"
)

// LogConfig controls the supervisor's own logging and the defaults for
// unit file sinks.
type LogConfig struct {
	Dir    string `mapstructure:"dir"`    // default directory for per-unit log files
	Level  string `mapstructure:"level"`  // supervisor log level (debug/info/warn/error)
	File   string `mapstructure:"file"`   // supervisor's own log file; empty = stderr
	Replay int    `mapstructure:"replay"` // aggregator replay ring size (0 = default)
}

// ServerConfig controls the HTTP observability surface. Empty Listen
// disables the server.
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// StoreConfig selects the lifecycle event journal backend.
type StoreConfig struct {
	Type string `mapstructure:"type"` // "", "sqlite", "postgres"
	DSN  string `mapstructure:"dsn"`
}

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	Log             LogConfig         `mapstructure:"log"`
	Server          ServerConfig      `mapstructure:"server"`
	Store           StoreConfig       `mapstructure:"store"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout"`
	Checks          []readiness.Check `mapstructure:"checks"`
	Units           []unit.Spec       `mapstructure:"units"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if len(fc.Units) == 0 {
		return nil, fmt.Errorf("config %s declares no units", path)
	}
	for i := range fc.Units {
		if err := fc.Units[i].Validate(); err != nil {
			return nil, err
		}
	}
	for _, c := range fc.Checks {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	fc.applyDefaults()
	return &fc, nil
}

// DefaultReplay is the aggregator ring size when [log] sets none.
const DefaultReplay = 1024

// applyDefaults fills the replay ring size and propagates the global log
// dir to units that configure no sink of their own.
func (fc *FileConfig) applyDefaults() {
	if fc.Log.Replay <= 0 {
		fc.Log.Replay = DefaultReplay
	}
	if fc.Log.Dir == "" {
		return
	}
	for i := range fc.Units {
		u := &fc.Units[i]
		if u.Log.Dir == "" && u.Log.StdoutPath == "" && u.Log.StderrPath == "" {
			u.Log.Dir = fc.Log.Dir
		}
	}
}
