package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the logrus-backed logger.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Output     io.Writer
}

// LogrusLogger adapts logrus to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a JSON logger. LOG_LEVEL overrides cfg.Level. When
// File is set, output is rotated through lumberjack.
func NewLogrusLogger(cfg LogConfig) *LogrusLogger {
	logger := logrus.New()

	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = cfg.Level
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		},
	})

	switch {
	case cfg.Output != nil:
		logger.SetOutput(cfg.Output)
	case cfg.File != "":
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	default:
		logger.SetOutput(os.Stdout)
	}

	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

// WithComponent returns a logger tagged with the component name.
func (l *LogrusLogger) WithComponent(component string) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

func (l *LogrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			data[f.Key] = err.Error()
			continue
		}
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }
func (l *LogrusLogger) Info(msg string, fields ...Field)  { l.with(fields).Info(msg) }
func (l *LogrusLogger) Warn(msg string, fields ...Field)  { l.with(fields).Warn(msg) }
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }
