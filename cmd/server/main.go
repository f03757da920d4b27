// Replygate - escrowed pay-to-contact messaging
package main

import (
	"context"
	"os"

	"github.com/replygate/replygate/internal/config"
	"github.com/replygate/replygate/internal/logging"
	"github.com/replygate/replygate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting replygate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"reply_domain", cfg.ReplyDomain,
		"response_deadline_hours", cfg.ResponseDeadlineHours,
		"grace_period", cfg.GracePeriod.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
