// Package logger builds the engine's zap logger from configuration.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and destination of engine logs.
// The zero value means info-level JSON on stdout.
type Config struct {
	// Level is the minimum level that gets written: "debug", "info",
	// "warn" or "error". Anything unrecognized means info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is "stdout", "stderr" or a path appended to.
	OutputFile string `yaml:"output_file"`
}

// New builds the process logger from cfg, once at startup.
func New(cfg Config) (*zap.Logger, error) {
	sink, err := cfg.sink()
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(cfg.encoder(), sink, cfg.level())
	return zap.New(core, zap.AddCaller(),
		zap.Fields(zap.String("service", "quarry"))), nil
}

// Nop returns a no-op logger for hosts that configure none.
func Nop() *zap.Logger { return zap.NewNop() }

func (c Config) level() zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(c.Level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func (c Config) encoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(c.Format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func (c Config) sink() (zapcore.WriteSyncer, error) {
	switch strings.ToLower(c.OutputFile) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	f, err := os.OpenFile(c.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", c.OutputFile, err)
	}
	return zapcore.AddSync(f), nil
}
