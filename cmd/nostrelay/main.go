package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"nostrelay/internal/app"
	"nostrelay/pkg/config"
	"nostrelay/pkg/logger"
	"nostrelay/pkg/shutdown"
)

// build metadata - set via ldflags during release
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	flags := config.ParseFlags()
	cfg, source, err := config.LoadEffective(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	a, err := app.New(cfg, source, version)
	if err != nil {
		shutdown.Abort("startup failed", err, cfg.Storage.DBPath)
	}
	defer logger.Sync()

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server error", err, cfg.Storage.DBPath)
	}
}
