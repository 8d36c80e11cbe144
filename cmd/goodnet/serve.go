// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goodnet/goodnet/internal/config"
	"github.com/goodnet/goodnet/internal/core"
	"github.com/goodnet/goodnet/internal/logging"
	"github.com/goodnet/goodnet/internal/observability"
	"github.com/goodnet/goodnet/internal/plugin"
	"github.com/goodnet/goodnet/internal/transport"
	"github.com/goodnet/goodnet/internal/xdg"
	"github.com/goodnet/goodnet/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the router",
		Long: `Start the frame listener, load modules from the plugins directory
and route packets until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			closeLog, err := logging.SetDefault("goodnet", version, cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer func() { _ = closeLog() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, cfg)
		},
	}
}

// runServe runs the router until ctx is done or a component fails.
func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	slog.Info("starting goodnet",
		"version", version,
		"listen", cfg.ListenAddr(),
		"plugins_dir", cfg.Plugins.BaseDir)

	if cfg.Plugins.BaseDir != "" {
		for _, sub := range []string{plugin.HandlersDir, plugin.ConnectorsDir} {
			if err := xdg.EnsureDir(filepath.Join(cfg.Plugins.BaseDir, sub)); err != nil {
				return fmt.Errorf("failed to prepare plugins directory: %w", err)
			}
		}
	}

	c, err := core.New(coreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create core: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Stop(shutdownCtx); err != nil {
			errutil.LogWarn(slog.Default(), "error stopping core", err)
		}
	}()

	serverOpts := []transport.Option{transport.WithMaxConnections(cfg.Core.MaxConnections)}

	var obsServer *observability.Server
	var obsErrs <-chan error
	if cfg.Metrics.Address != "" {
		obsServer = observability.NewServer(cfg.Metrics.Address, c.Ready)
		obsErrs, err = obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				slog.Warn("error stopping observability server", "error", err)
			}
		}()
		serverOpts = append(serverOpts, transport.WithMetrics(obsServer.Metrics()))
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start core: %w", err)
	}

	srv := transport.NewServer(cfg.ListenAddr(), c, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Plugins.Watch && cfg.Plugins.BaseDir != "" {
		g.Go(func() error {
			return c.Watch(gctx)
		})
	}
	if obsErrs != nil {
		g.Go(func() error {
			select {
			case err, ok := <-obsErrs:
				if ok && err != nil {
					return fmt.Errorf("observability server: %w", err)
				}
			case <-gctx.Done():
			}
			return nil
		})
	}

	cmd.Println("GoodNet started")
	stats := c.Manager().Stats()
	slog.Info("goodnet ready",
		"id", c.ID().String(),
		"handlers", stats.Handlers,
		"connectors", stats.Connectors)

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}
