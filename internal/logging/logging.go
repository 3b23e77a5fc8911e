// Package logging wires go.uber.org/zap into every component, tagging each
// logger with the owning subsystem the way zllovesuki-specter's
// util.GetStdLogger and cmd/specter/app.go configure a shared zap.Logger for
// a CLI-driven server process.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production or development zap.Logger depending on verbose,
// writing to stderr so stdout stays free for any application output.
func New(verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building zap logger: %w", err)
	}
	return logger, nil
}

// Sub returns a child logger tagged with the given subsystem name, the
// convention every component in this module follows.
func Sub(parent *zap.Logger, subsystem string) *zap.Logger {
	return parent.With(zap.String("subsystem", subsystem))
}
