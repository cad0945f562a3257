// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the msgmux command configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/someonegg/msgmux"
	"github.com/someonegg/msgmux/codec"
)

// Config is the root configuration.
type Config struct {
	// Listen is the bind address of the endpoint.
	Listen string `mapstructure:"listen"`

	// Codec: msgpack, cbor, json (by name or content type)
	Codec string `mapstructure:"codec"`

	// Transport: tcp or websocket
	Transport string `mapstructure:"transport"`
	// WSPath is the upgrade path of the websocket transport.
	WSPath string `mapstructure:"ws_path"`

	WriteQueueSize int           `mapstructure:"write_queue_size"`
	ReadQueueSize  int           `mapstructure:"read_queue_size"`
	MaxFrameSize   int           `mapstructure:"max_frame_size"`
	MaxConns       int           `mapstructure:"max_conns"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig enables the prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:8000",
		Codec:          "msgpack",
		Transport:      "tcp",
		WSPath:         "/msgmux",
		WriteQueueSize: msgmux.DefaultWriteQueueSize,
		ReadQueueSize:  msgmux.DefaultReadQueueSize,
		MaxFrameSize:   msgmux.DefaultMaxFrameSize,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// the common locations. Environment variables use the prefix MSGMUX and
// `.`/`-` are replaced with `_`, e.g. MSGMUX_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MSGMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// env-only configs need every key known to viper
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("ws_path", cfg.WSPath)
	v.SetDefault("write_queue_size", cfg.WriteQueueSize)
	v.SetDefault("read_queue_size", cfg.ReadQueueSize)
	v.SetDefault("max_frame_size", cfg.MaxFrameSize)
	v.SetDefault("max_conns", cfg.MaxConns)
	v.SetDefault("idle_timeout", cfg.IdleTimeout)
	v.SetDefault("dial_timeout", cfg.DialTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	if path == "" {
		path = os.Getenv("MSGMUX_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("msgmux")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".msgmux"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	cd, err := codec.NewRegistry().Lookup(c.Codec)
	if err != nil {
		return err
	}
	// the command messages are plain structs
	if cd.Name() == codec.Proto().Name() {
		return fmt.Errorf("codec %q needs generated message types", cd.Name())
	}

	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "tcp":
	case "websocket", "ws":
		c.Transport = "websocket"
		if !strings.HasPrefix(c.WSPath, "/") {
			c.WSPath = "/" + c.WSPath
		}
	default:
		return fmt.Errorf("invalid transport: %q", c.Transport)
	}

	if c.WriteQueueSize <= 0 || c.ReadQueueSize <= 0 {
		return fmt.Errorf("invalid queue size: write %d, read %d", c.WriteQueueSize, c.ReadQueueSize)
	}
	if c.MaxFrameSize < 0 {
		return fmt.Errorf("invalid max_frame_size: %d", c.MaxFrameSize)
	}
	if c.IdleTimeout < 0 || c.DialTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Options converts the configuration to endpoint options.
func (c *Config) Options() []msgmux.Option {
	cd, _ := codec.NewRegistry().Lookup(c.Codec)

	opts := []msgmux.Option{
		msgmux.WithCodec(cd),
		msgmux.WithWriteQueueSize(c.WriteQueueSize),
		msgmux.WithReadQueueSize(c.ReadQueueSize),
		msgmux.WithMaxFrameSize(c.MaxFrameSize),
	}
	if c.Transport == "websocket" {
		opts = append(opts, msgmux.WithTransport(msgmux.WebSocket(c.WSPath)))
	}
	if c.MaxConns > 0 {
		opts = append(opts, msgmux.WithMaxConns(c.MaxConns))
	}
	if c.IdleTimeout > 0 {
		opts = append(opts, msgmux.WithIdleTimeout(c.IdleTimeout))
	}
	if c.DialTimeout > 0 {
		opts = append(opts, msgmux.WithDialTimeout(c.DialTimeout))
	}
	return opts
}
