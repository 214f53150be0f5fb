// Package logx configures the process-wide zerolog logger.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	Level          string // debug|info|warn|error
	Format         string // json|console
	FilePath       string // "" disables the file sink
	FileMaxSizeMB  int    // rotate at ~MB (default 50)
	FileMaxBackups int    // keep N old logs (default 3)
	FileMaxAgeDays int    // keep #days (default 7)
	FileCompress   bool   // gzip old logs
}

// Default returns console logging at info level with no file sink.
func Default() Config {
	return Config{
		Level:          "info",
		Format:         "console",
		FileMaxSizeMB:  50,
		FileMaxBackups: 3,
		FileMaxAgeDays: 7,
		FileCompress:   true,
	}
}

// Setup builds the logger from the config. Unknown levels fall back to info.
func Setup(c Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	if strings.ToLower(c.Format) == "json" {
		writers = append(writers, os.Stderr)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
	if c.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.FileMaxSizeMB,
			MaxBackups: c.FileMaxBackups,
			MaxAge:     c.FileMaxAgeDays,
			Compress:   c.FileCompress,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
