package config

import (
	"io"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/logging"
)

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days"`
	MaxBackups int    `toml:"max_backups"`
}

// Validate checks the logging settings.
func (lc LogConfig) Validate() error {
	if _, err := logging.LevelFromString(lc.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if lc.File != "" && lc.MaxSizeMB < 1 {
		return errors.Errorf("log.max_size_mb must be positive, got %d", lc.MaxSizeMB)
	}
	return nil
}

// EffectiveLevel is the configured level, or debug when the command line asked for it.
func (lc LogConfig) EffectiveLevel(cmdLineDebug bool) logging.Level {
	if cmdLineDebug {
		return logging.DEBUG
	}
	level, err := logging.LevelFromString(lc.Level)
	if err != nil {
		return logging.INFO
	}
	return level
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}

// NewLogger builds the named logger these settings describe. It always writes to stdout and, if
// a file is configured, to that file as well. The closer releases the file.
func (lc LogConfig) NewLogger(name string, cmdLineDebug bool) (logging.Logger, io.Closer) {
	logger := logging.NewLogger(name)
	logger.SetLevel(lc.EffectiveLevel(cmdLineDebug))
	if lc.File == "" {
		return logger, nopCloser{}
	}
	appender, closer := logging.NewFileAppender(logging.FileAppenderConfig{
		Filename:   lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxAgeDays: lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
	})
	logger.AddAppender(appender)
	return logger, closer
}
