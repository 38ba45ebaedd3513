// Package logging builds the service's structured logger.
// Grounded on the octoreflex agent's buildLogger: a zap.Config selected
// by output format (console for local development, JSON for
// production), with the level parsed from its text form.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Level  string // "debug" | "info" | "warn" | "error"
	Format string // "console" | "json"
}

// New builds a *zap.Logger per opts. An empty Level defaults to "info";
// an empty Format defaults to "json".
func New(opts Options) (*zap.Logger, error) {
	level := opts.Level
	if level == "" {
		level = "info"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if opts.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
