package log

import (
	"io"
	"os"
	"time"

	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
)

// Logger is the global logger instance
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a configured log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a config string onto a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := levels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// Init configures the global logger. Child loggers created before Init keep
// the previous output.
func Init(cfg Config) {
	level, ok := levels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithClusterID creates a child logger with cluster_id field
func WithClusterID(clusterID uint64) zerolog.Logger {
	return Logger.With().Uint64("cluster_id", clusterID).Logger()
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID uint64) zerolog.Logger {
	return Logger.With().Uint64("task_id", taskID).Logger()
}

// WithObject creates a child logger tagged with an object reference and the
// cluster it belongs to
func WithObject(ref types.ObjectRef, clusterID uint64) zerolog.Logger {
	ctx := Logger.With().Str("object", ref.String())
	if clusterID != 0 {
		ctx = ctx.Uint64("cluster_id", clusterID)
	}
	return ctx.Logger()
}
