// Meterbase - entitlement resolution and credit ledger service
package main

import (
	"context"
	"os"

	"github.com/meterbase/meterbase/internal/config"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting meterbase",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, "text")
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"free_tier_limit", cfg.FreeTierLimit,
		"usage_cache_ttl", cfg.UsageCacheTTL,
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
