// FiatBridge - escrow-backed coordination for P2P crypto-to-fiat trades
package main

import (
	"context"
	"os"

	"github.com/fiatbridge/fiatbridge/internal/config"
	"github.com/fiatbridge/fiatbridge/internal/logging"
	"github.com/fiatbridge/fiatbridge/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting fiatbridge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"escrow_contract", cfg.EscrowContract,
	)

	// Create and run server
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
