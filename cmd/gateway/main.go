package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/gateway"
)

var (
	configPath = flag.String("config", "", "Path to the gateway config file (YAML)")
	logLevel   = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	levelStr := cfg.Log.Level
	if *logLevel != "" {
		levelStr = *logLevel
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("component", "gateway").Logger()

	logger.Info().
		Str("listen", cfg.ListenAddr()).
		Int("services", len(cfg.Services)).
		Int("rate_limit", cfg.RateLimit.Limit).
		Int("window_seconds", cfg.RateLimit.WindowSeconds).
		Str("store_backend", cfg.Store.Backend).
		Msg("starting edgegate")

	srv, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("gateway server failed")
	}

	logger.Info().Msg("gateway stopped")
}
