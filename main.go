package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"blast/internal/blast"
	"blast/internal/config"
	httpapi "blast/internal/http"
	"blast/internal/storage"
	"blast/internal/wa"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()
	path := *cfgPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("load config")
	}

	logger := newLogger(cfg)

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}
	defer store.Close()

	ctx := context.Background()
	manager, err := wa.NewManager(ctx, cfg.DBDSN, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init whatsapp manager")
	}

	bus := blast.NewBus()
	registry := blast.NewRegistry(store, cfg.Defaults)
	controller := blast.NewController(store, bus, logger)

	// Warmup restarts on every reconnect, independent of the daily
	// rollover reset inside the quota check.
	manager.OnConnected = registry.ResetWarmup

	router := httpapi.NewRouter(store, manager, registry, controller, bus, logger)

	logger.Info().Str("port", cfg.Port).Msg("HTTP listening")
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		logger.Fatal().Err(err).Msg("http server")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout)
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
