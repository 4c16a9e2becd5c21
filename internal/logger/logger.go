// Package logger provides structured logging for the page server.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with page-server-specific helpers.
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
		Str("service", "pageserver").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message.
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// TimelineLogger returns a logger scoped to one tenant/timeline pair. Every
// log line that walks the read or write path should carry these so a single
// timeline's activity can be grepped out of a shared process log.
func (l *Logger) TimelineLogger(tenantID, timelineID string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "timeline").
			Str("tenant_id", tenantID).
			Str("timeline_id", timelineID).
			Logger(),
	}
}

// LayerLogger returns a logger scoped to one layer file, for compaction and
// GC lifecycle events.
func (l *Logger) LayerLogger(filename string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "layer").
			Str("filename", filename).
			Logger(),
	}
}

// LogFlush logs an in-memory layer freeze/flush cycle.
func (l *Logger) LogFlush(timelineID string, diskConsistentLsn uint64, duration time.Duration, bytesWritten int64, err error) {
	event := l.zlog.Info().
		Str("component", "timeline").
		Str("timeline_id", timelineID).
		Uint64("disk_consistent_lsn", diskConsistentLsn).
		Dur("duration_ms", duration).
		Int64("bytes_written", bytesWritten)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "timeline").
			Str("timeline_id", timelineID).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("layer flush completed")
}

// LogCompaction logs a level-0 to level-1 compaction pass.
func (l *Logger) LogCompaction(timelineID string, inputLayers, outputLayers int, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "compaction").
		Str("timeline_id", timelineID).
		Int("input_layers", inputLayers).
		Int("output_layers", outputLayers).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "compaction").
			Str("timeline_id", timelineID).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("compaction completed")
}

// LogGC logs a garbage collection pass and its removal accounting.
func (l *Logger) LogGC(timelineID string, layersTotal, layersRemoved int, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "gc").
		Str("timeline_id", timelineID).
		Int("layers_total", layersTotal).
		Int("layers_removed", layersRemoved).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "gc").
			Str("timeline_id", timelineID).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("garbage collection completed")
}

// LogServerStart logs process startup.
func (l *Logger) LogServerStart(workdir string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("workdir", workdir).
		Msg("page server starting")
}

// LogServerReady logs when the process has finished loading all timelines.
func (l *Logger) LogServerReady(timelineCount int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("timeline_count", timelineCount).
		Msg("page server ready")
}

// LogServerShutdown logs process shutdown.
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("page server shutting down")
}

// Global logger instance.
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
