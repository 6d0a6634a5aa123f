package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/server"
	"github.com/ksred/klear-auction/pkg/logging"
)

// main loads configuration, starts the auction engine API and its lifecycle sweeps,
// and shuts both down on SIGINT or SIGTERM
func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./config.yaml when present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	closer := logging.Setup(cfg.Log)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize server")
	}

	if err := srv.Run(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Server stopped with error")
	}
}
