// Package logger builds the process-wide zap logger used by the bo command.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

//////
// Const, vars, types.
//////

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	global atomic.Pointer[zap.Logger]
	once   sync.Once
)

// Config controls level, format, and the optional rotating log file.
type Config struct {
	// Level is a zap level name (debug, info, warn, error). Unknown values
	// fall back to info.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format" yaml:"format"`

	// File, when set, receives JSON logs with rotation.
	File string `mapstructure:"file" yaml:"file,omitempty"`

	MaxSize    int  `mapstructure:"max_size" yaml:"max_size,omitempty"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups,omitempty"`
	MaxAge     int  `mapstructure:"max_age" yaml:"max_age,omitempty"`
	Compress   bool `mapstructure:"compress" yaml:"compress,omitempty"`

	// ServiceName names the root logger.
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// DefaultConfig returns console logging at info level.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "console",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		ServiceName: "bo",
	}
}

//////
// Factory.
//////

// Initialize builds the global logger writing to console. Only the first call
// has an effect until ResetForTest is called.
func Initialize(cfg Config, console zapcore.WriteSyncer) *zap.Logger {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(encoder(cfg.Format), console, level)}

		if cfg.File != "" {
			file := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})

			cores = append(cores, zapcore.NewCore(encoder("json"), file, level))
		}

		l := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
		if cfg.ServiceName != "" {
			l = l.Named(cfg.ServiceName)
		}

		global.Store(l)
	})

	return Get()
}

// InitializeStderr is Initialize with a locked stderr, leaving stdout to
// command output.
func InitializeStderr(cfg Config) *zap.Logger {
	return Initialize(cfg, zapcore.Lock(os.Stderr))
}

// ResetForTest clears the global logger. Tests only.
func ResetForTest() {
	global.Store(nil)
	once = sync.Once{}
}

//////
// Methods.
//////

// Get returns the global logger, or a no-op logger before Initialize.
func Get() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}

	return zap.NewNop()
}

// Sync flushes buffered entries, ignoring the errors terminals return.
func Sync() {
	l := global.Load()
	if l == nil {
		return
	}

	if err := l.Sync(); err != nil {
		msg := err.Error()
		if !strings.Contains(msg, "/dev/std") &&
			!strings.Contains(msg, "invalid argument") &&
			!strings.Contains(msg, "inappropriate ioctl") &&
			!strings.Contains(msg, "operation not supported") {
			fmt.Fprintln(os.Stderr, "logger: sync failed:", err)
		}
	}
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)

	if format == "console" {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

		return zapcore.NewConsoleEncoder(cfg)
	}

	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	return zapcore.NewJSONEncoder(cfg)
}
