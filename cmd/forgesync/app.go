package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/config"
	"github.com/drewdunne/forgesync/internal/gitsync"
	"github.com/drewdunne/forgesync/internal/logging"
	"github.com/drewdunne/forgesync/internal/registry"
	"github.com/drewdunne/forgesync/internal/store"
	"github.com/drewdunne/forgesync/internal/store/memory"
	"github.com/drewdunne/forgesync/internal/store/postgres"
)

// loadEnv loads the given env file, or the default locations when none is set.
func loadEnv(envFile string) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not load env file %s: %v\n", envFile, err)
		}
		return
	}
	godotenv.Load(".env")
	godotenv.Load("/etc/forgesync/forgesync.env")
}

// loadConfig reads path, falling back to defaults when the file is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// app holds everything a command needs. close releases the store.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	facade *gitsync.Facade
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Database.DSN, logger.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		if err := s.RunMigrations(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		logger.Warn("using in-memory store, state is lost on restart")
		return memory.New(), func() {}, nil
	}
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	s, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	clients, err := registry.New(cfg, logger.Named("registry"))
	if err != nil {
		closeStore()
		logger.Sync()
		return nil, fmt.Errorf("configuring providers: %w", err)
	}

	facade := gitsync.New(s, clients, gitsync.Options{
		Concurrency:     cfg.Sync.Concurrency,
		CallbackBaseURL: cfg.Webhooks.CallbackBaseURL,
		DeliveryTTL:     cfg.Webhooks.DeliveryTTL(),
	}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  s,
		facade: facade,
		close: func() {
			closeStore()
			logger.Sync()
		},
	}, nil
}
