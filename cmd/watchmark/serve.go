package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/coordinator"
	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	Long: `Serve starts the coordinator: the WebSocket hub observers connect to,
the local HTTP API, and the background flush, backup and cleanup loops.`,
	Example: `  watchmark serve
  watchmark serve --config watchmark.yaml --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord.Start(ctx)
	server := httpapi.New(&cfg.Server, coord, logger)

	// The config file reloads in place for log level changes; anything
	// structural still needs a restart.
	watcher := startConfigWatcher(loader, logger)
	if watcher != nil {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		logger.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	return coord.Shutdown(shutdownCtx)
}

func startConfigWatcher(loader *config.Loader, logger *events.Logger) *config.Watcher {
	path := loader.Path()
	if path == "" {
		return nil
	}

	watcher, err := config.NewWatcher(path,
		func(cfg *config.Config) {
			logger.SetLevel(events.ParseLevel(cfg.Log.Level))
			logger.WithField("level", cfg.Log.Level).Info("Config reloaded")
		},
		func(err error) {
			logger.WithError(err).Warn("Config reload failed")
		})
	if err != nil {
		logger.WithError(err).Warn("Config watcher unavailable")
		return nil
	}

	logger.WithField("path", path).Debug("Watching config file")
	return watcher
}
