package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/internal/server"
	"github.com/menta2k/image-semantics/pkg/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP extraction API",
		Action: serveAction,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Listen port (overrides http.port)",
			},
		},
	}
}

func serveAction(c *cli.Context) error {
	cfg := configFrom(c)
	logger := loggerFrom(c)
	if c.IsSet("port") {
		cfg.HTTP.Port = c.Int("port")
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.InMemory, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	encoder, err := newImageEncoder(cfg.Encoder)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	sem, err := newSemantics(cfg, encoder, newPublisher(cfg.Upload, st, logger), logger)
	if err != nil {
		return err
	}
	defer sem.Close()

	if err := sem.Preload(); err != nil {
		return fmt.Errorf("failed to load vocabularies: %w", err)
	}
	logger.Info("vocabularies loaded")

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      server.New(sem, st, logger.Named("http")).Router(),
		ReadTimeout:  secs(cfg.HTTP.ReadTimeoutSec),
		WriteTimeout: secs(cfg.HTTP.WriteTimeoutSec),
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), secs(cfg.HTTP.ShutdownSec))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Info("Server stopped gracefully")
	return nil
}
