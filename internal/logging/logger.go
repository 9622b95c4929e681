// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration
type Config struct {
	// Output is stdout, stderr or a file path. Files are rotated.
	Output   string `yaml:"output" json:"output"`
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"` // json or console

	// Rotation settings
	MaxSizeMB  int  `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool `yaml:"compress" json:"compress"`

	DisableCaller bool `yaml:"disable_caller" json:"disable_caller"`
	Sampling      bool `yaml:"sampling" json:"sampling"`
	Development   bool `yaml:"development" json:"development"`
}

// DefaultConfig returns default logging configuration
func DefaultConfig() Config {
	return Config{
		Output:     "stderr",
		Level:      "info",
		Encoding:   "console",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// New builds a logger from config. The returned closer flushes the
// logger and releases the rotated file, if any.
func New(config Config) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	var encoder zapcore.Encoder
	switch config.Encoding {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig(config))
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(encoderConfig(config))
	default:
		return nil, nil, fmt.Errorf("unsupported log encoding: %s", config.Encoding)
	}

	var (
		sink   zapcore.WriteSyncer
		closer io.Closer
	)
	switch config.Output {
	case "", "stderr":
		sink = zapcore.Lock(os.Stderr)
	case "stdout":
		sink = zapcore.Lock(os.Stdout)
	default:
		if err := os.MkdirAll(filepath.Dir(config.Output), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		sink = zapcore.AddSync(fileWriter)
		closer = fileWriter
	}

	core := zapcore.NewCore(encoder, sink, level)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	logger := zap.New(core, options(config)...)

	closeFn := func() error {
		// Sync on a terminal returns EINVAL on some platforms.
		_ = logger.Sync()
		if closer != nil {
			return closer.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

func encoderConfig(config Config) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if config.Encoding != "json" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if config.Development && config.Encoding != "json" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if config.DisableCaller {
		ec.CallerKey = zapcore.OmitKey
	}
	return ec
}

func options(config Config) []zap.Option {
	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if !config.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	if hostname, err := os.Hostname(); err == nil {
		opts = append(opts, zap.Fields(zap.String("host", hostname)))
	}
	return opts
}
