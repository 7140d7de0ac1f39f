package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"forumhall/pkg/config"
	"forumhall/pkg/server"
	"forumhall/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		domain     string
		listenAddr string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if domain != "" {
				cfg.Domain = domain
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}

			st, closeStore, err := openStore(cfg, logger)
			if err != nil {
				return err
			}

			srv := server.New(cfg, logger, st, prometheus.NewRegistry())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if bs, ok := st.(*store.BadgerStore); ok {
				go runValueLogGC(ctx, bs, logger)
			}

			runErr := srv.Run(ctx)
			if runErr != nil {
				logger.Error("server stopped with error", zap.Error(runErr))
			} else {
				logger.Info("server stopped")
			}
			return multierr.Append(runErr, closeStore())
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "federation domain this server is authoritative for")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the on-disk store")
	return cmd
}

// openStore opens the configured store. An empty data dir means in-memory,
// which loses everything on exit.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, func() error, error) {
	if cfg.DataDir == "" {
		logger.Warn("no data_dir configured, using in-memory store")
		return store.NewMemoryStore(), func() error { return nil }, nil
	}

	bs, err := store.OpenBadger(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return bs, bs.Close, nil
}

// runValueLogGC compacts the badger value log periodically.
func runValueLogGC(ctx context.Context, bs *store.BadgerStore, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bs.RunGC(); err != nil {
				logger.Debug("value log GC skipped", zap.Error(err))
			}
		}
	}
}
