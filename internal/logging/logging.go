// Package logging configures the process-wide structured logger for the
// spool daemon. One JSON handler on stdout; the level is held in a LevelVar
// so it could be adjusted without rebuilding the handler.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var logLevel = new(slog.LevelVar)

// Setup parses the configured level name, installs a JSON slog handler on
// stdout, and makes it the process default. Level names follow slog
// ("debug", "info", "warn", "error"); empty means info.
func Setup(level string) (*slog.Logger, error) {
	if err := setLevel(level); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger, nil
}

func setLevel(level string) error {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		name = "info"
	}
	if err := logLevel.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	return nil
}
