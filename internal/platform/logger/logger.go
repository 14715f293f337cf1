package logger

import (
	"log/slog"
	"os"

	"chatsync/internal/config"
	"chatsync/pkg/logging"
)

func NewLogger(cfg config.Config) *slog.Logger {
	format, level := "json", "info"
	if cfg.Logger != nil {
		format, level = cfg.Logger.Format, cfg.Logger.Level
	}
	logger := slog.New(logging.NewHandler(os.Stdout, format, level)).With(
		slog.String("service", cfg.Service.Name),
		slog.String("env", cfg.Service.Env),
		slog.String("address", cfg.Service.Add),
		slog.Int("pid", os.Getpid()),
	)
	slog.SetDefault(logger)
	return logger
}
