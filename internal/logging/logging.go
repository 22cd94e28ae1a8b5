package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pgrelay/pgrelay/internal/config"
)

// Setup replaces the global zerolog logger. The returned closer releases the
// log file, if one was configured.
func Setup(cfg config.LoggingConfig, component string) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Format == "json" {
		writer = os.Stdout
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		}
		writer = zerolog.MultiLevelWriter(writer, file)
		closer = file
	}

	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Str("component", component).
		Logger().
		Level(level)

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
