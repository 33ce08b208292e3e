// Package bot wires the channel, AI client, store, pipeline, and idle
// monitor together and owns the run loop and graceful shutdown.
package bot

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/ai"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels/rocketgo"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/monitor"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/pipeline"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/store"
)

// Config is the complete application configuration.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Channel  rocketgo.Config `yaml:"channel"`
	AI       ai.Config       `yaml:"ai"`
	Store    store.Config    `yaml:"store"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	Monitor  monitor.Config  `yaml:"monitor"`

	// ShutdownGrace bounds how long shutdown waits for in-flight replies.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Channel:       rocketgo.DefaultConfig(),
		AI:            ai.DefaultConfig(),
		Store:         store.Config{Path: "./data/autorocket.db"},
		Pipeline:      pipeline.DefaultConfig(),
		Monitor:       monitor.DefaultConfig(),
		ShutdownGrace: 10 * time.Second,
	}
}

// normalize keeps the settings the pipeline and monitor share in sync so a
// follow-up splits and closes conversations exactly like a live reply.
// Loading overlays YAML onto DefaultConfig, so a monitor field the operator
// never set still carries its default value; a monitor field left at the
// default follows the pipeline's.
func (c *Config) normalize() {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}

	monDef := monitor.DefaultConfig()
	if c.Monitor.Delimiter == "" || c.Monitor.Delimiter == monDef.Delimiter {
		c.Monitor.Delimiter = c.Pipeline.Delimiter
	}
	if c.Monitor.EndSignal == "" || c.Monitor.EndSignal == monDef.EndSignal {
		c.Monitor.EndSignal = c.Pipeline.EndSignal
	}

	// The monitor owns the follow-up cap; the pipeline mirrors it so the
	// end signal saturates to the same value the scan checks against. A
	// cap left at the monitor's default defers to the pipeline's.
	if c.Monitor.MaxFollowUps > 0 && c.Monitor.MaxFollowUps != monDef.MaxFollowUps {
		c.Pipeline.MaxFollowUps = c.Monitor.MaxFollowUps
	} else {
		c.Monitor.MaxFollowUps = c.Pipeline.MaxFollowUps
	}
}

// NewLogger builds the root slog logger from the logging config.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
