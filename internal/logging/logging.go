// Package logging builds the component loggers of the CLI and daemon.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure the log output.
type Options struct {
	// File additionally receives every line, rotated by size. Empty logs
	// to stderr only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Quiet drops the stderr copy when File is set.
	Quiet bool
}

// Output owns the log writer shared by all component loggers.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates the shared output.
func New(opts Options) (*Output, error) {
	out := &Output{w: os.Stderr, loggers: make(map[string]*log.Logger)}
	if opts.File == "" {
		return out, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, err
	}
	out.file = &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	if opts.Quiet {
		out.w = out.file
	} else {
		out.w = io.MultiWriter(os.Stderr, out.file)
	}
	return out, nil
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns the logger for component, prefixed "[component] ".
func (o *Output) Logger(component string) *log.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.loggers[component]; ok {
		return l
	}
	l := log.New(o.w, "["+component+"] ", log.LstdFlags)
	o.loggers[component] = l
	return l
}

// Rotate starts a new log file. No-op without a file.
func (o *Output) Rotate() error {
	if o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
