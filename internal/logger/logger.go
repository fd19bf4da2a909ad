// Package logger provides structured logging for ferrokv.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with ferrokv-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "ferrokv").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// FromZerolog wraps an already-configured zerolog.Logger, for callers
// (ferrokv.Open) that accept a caller-supplied logger through Options
// rather than building one from Config.
func FromZerolog(z zerolog.Logger) *Logger { return &Logger{zlog: z} }

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger { return &l.zlog }

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }
func (l *Logger) Fatal(msg string) *zerolog.Event { return l.zlog.Fatal().Str("msg", msg) }

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// TxLogger returns a logger scoped to one transaction, for the handful of
// commit/rollback/recovery events worth structured logging.
func (l *Logger) TxLogger(txID uint64) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "txn").Uint64("tx", txID).Logger()}
}

// LogCommit logs a completed write transaction.
func (l *Logger) LogCommit(txID uint64, duration time.Duration, walBytes int64) {
	l.zlog.Debug().
		Str("component", "txn").
		Uint64("tx", txID).
		Dur("duration_ms", duration).
		Int64("wal_bytes", walBytes).
		Msg("transaction committed")
}

// LogRecovery logs the outcome of crash recovery on open.
func (l *Logger) LogRecovery(replayedTx int, newRoot uint32, persistedTxID uint64) {
	l.zlog.Info().
		Str("component", "recovery").
		Int("replayed_tx", replayedTx).
		Uint32("root", newRoot).
		Uint64("persisted_tx", persistedTxID).
		Msg("recovery complete")
}

// Global logger instance, mirroring the package-level accessor pattern.
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger, initializing sane defaults on
// first use.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{Level: "info", Pretty: true})
	}
	return globalLogger
}
