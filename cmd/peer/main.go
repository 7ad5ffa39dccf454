package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/call"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/peer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	node, err := peer.New(cfg, call.Callbacks{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build peer")
	}

	log.Info().Str("server", cfg.Peer.ServerURL).Str("room", cfg.Peer.Room).Msg("peer starting")
	if err := node.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("peer stopped with error")
	}
	log.Info().Msg("Peer exited gracefully")
}
