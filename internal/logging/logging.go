// Package logging builds the prefixed loggers the components share.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tagweave/tagweave/internal/config"
)

// Output builds the shared log writer. With a file configured the
// writer rotates via lumberjack; otherwise everything goes to stderr.
func Output(cfg config.Log) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
}

// New returns a component logger writing to w with the conventional
// "[component] " prefix.
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
