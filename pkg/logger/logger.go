// Package logger builds the zap logger shared by the scheduler, its worker
// pool and the command-line shell.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultService = "gojosched"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile is the file logs are appended to. "stdout" (the default) and
	// "stderr" log to the console.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry as the "service" field.
	Service string `yaml:"service"`
}

// DefaultConfig logs info and above as JSON to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stdout", Service: defaultService}
}

// New creates a zap.Logger from config. The returned closer releases the
// output file, if any, after syncing the logger.
func New(config Config) (*zap.Logger, io.Closer, error) {
	// Unknown or empty levels fall back to info.
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	out, err := openOutput(config.OutputFile)
	if err != nil {
		return nil, nil, err
	}

	service := config.Service
	if service == "" {
		service = defaultService
	}

	core := zapcore.NewCore(encoderFor(config.Format), out, logLevel)
	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", service)))

	return logger, closerFunc(func() error {
		_ = logger.Sync()
		return out.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// encoderFor returns a JSON encoder unless format is "console", which gets
// colored levels for interactive shells.
func encoderFor(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	if !strings.EqualFold(format, "console") {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}

// output is a log destination. Console streams are never closed.
type output struct {
	zapcore.WriteSyncer
	file *os.File
}

func (o output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// openOutput resolves OutputFile: "stdout" or empty, "stderr", or a path that
// is created if needed and appended to.
func openOutput(target string) (output, error) {
	if target == "" || strings.EqualFold(target, "stdout") {
		return output{WriteSyncer: zapcore.Lock(os.Stdout)}, nil
	}
	if strings.EqualFold(target, "stderr") {
		return output{WriteSyncer: zapcore.Lock(os.Stderr)}, nil
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return output{}, fmt.Errorf("open log output %q: %w", target, err)
	}
	return output{WriteSyncer: f, file: f}, nil
}
