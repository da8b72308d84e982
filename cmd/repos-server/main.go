package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foundry/repos/internal/adapters/auth"
	"github.com/foundry/repos/internal/adapters/metadata"
	"github.com/foundry/repos/internal/adapters/storage"
	"github.com/foundry/repos/internal/api/handlers"
	"github.com/foundry/repos/internal/config"
	"github.com/foundry/repos/internal/core/services"
	"github.com/foundry/repos/internal/util/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	logger := logging.New(os.Stdout, "foundry-repos")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	logger, err = logging.WithLevel(logger, cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid log level")
	}

	blobs, err := storage.NewDiskBlobStorage(cfg.Storage.RepoPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	meta, err := metadata.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize metadata store")
	}
	defer meta.Close()

	repo := services.NewRepository(blobs, meta, logger)
	basic := auth.NewBasicAuth(cfg.Auth.Username, cfg.Auth.Password)
	handler := handlers.New(repo, auth.NewTokenAuth(cfg.Auth.Tokens), basic, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			srv.Close()
		}
	}()

	logger.Info().
		Str("addr", addr).
		Str("repo_path", blobs.Root()).
		Bool("basic_auth", basic.Enabled()).
		Msg("starting Foundry Repos server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
}
