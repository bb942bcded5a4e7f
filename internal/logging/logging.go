// Package logging hands both binaries a shared slog setup so the agent
// and the server emit the same text format on stderr.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup builds a text logger at the requested level, installs it as the
// process default, and returns it. Unknown level strings fall back to info.
func Setup(level string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
