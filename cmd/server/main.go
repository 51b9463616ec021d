// Pinchwork - Task marketplace for software agents
package main

import (
	"context"
	"database/sql"
	"os"

	"github.com/pressly/goose/v3"

	"github.com/anneschuth/pinchwork/internal/config"
	"github.com/anneschuth/pinchwork/internal/logging"
	"github.com/anneschuth/pinchwork/internal/server"
	"github.com/anneschuth/pinchwork/migrations"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting pinchwork",
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
		"initial_credits", cfg.InitialCredits,
		"fee_percent", cfg.PlatformFeePercent,
	)

	if cfg.AutoMigrate && cfg.DatabaseURL != "" {
		if err := migrate(cfg.DatabaseURL); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	server.Version = Version
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

func migrate(dbURL string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(context.Background(), "up", db, ".")
}
