package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogOptions selects level, format and an optional file sink.
type LogOptions struct {
	Level  string
	Format string // "text" or "json"
	File   string
}

// LogContext owns the shared logrus logger and hands out component loggers.
type LogContext struct {
	base    *logrus.Logger
	logFile *os.File
	mutex   sync.Mutex
}

// NewLogContext builds the process logger. JSON output reports the caller
// function, file and line the way the structured app log always has.
func NewLogContext(out io.Writer, opts LogOptions) (*LogContext, error) {
	base := logrus.New()
	base.SetOutput(out)

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		base.SetReportCaller(true)
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				return f.Function, fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	c := &LogContext{base: base}
	if opts.File != "" {
		if err := c.SetOutputFile(opts.File); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetLogger returns the logger for one component.
func (c *LogContext) GetLogger(component string) *logrus.Entry {
	return c.base.WithField("component", component)
}

// SetOutputFile tees output into an append-only file.
func (c *LogContext) SetOutputFile(path string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if c.logFile != nil {
		_ = c.logFile.Close()
	}
	c.logFile = logFile
	c.base.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return nil
}

func (c *LogContext) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.logFile != nil {
		err := c.logFile.Close()
		c.logFile = nil
		return err
	}
	return nil
}

// DiscardLogger is a silent logger for tests and tools.
func DiscardLogger() *logrus.Entry {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return logrus.NewEntry(base)
}
