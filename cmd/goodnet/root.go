// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/goodnet/goodnet/internal/config"
	"github.com/goodnet/goodnet/internal/core"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the GoodNet CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goodnet",
		Short: "GoodNet - a pluggable network event router",
		Long: `GoodNet routes framed packets between network connections and
loadable modules. Handlers receive packets by message type, connectors
open connections by URI scheme.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/goodnet/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPluginsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig reads and validates the configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// coreOptions maps the configuration onto core options.
func coreOptions(cfg *config.Config) []core.Option {
	return []core.Option{
		core.WithIOThreads(cfg.Core.IOThreads),
		core.WithPluginDir(cfg.Plugins.BaseDir),
		core.WithVersion(version),
		core.WithBuiltinTCP(cfg.Core.BuiltinTCP),
		core.WithAutoLoad(cfg.Plugins.AutoLoad),
		core.WithScanInterval(cfg.Plugins.ScanInterval),
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("goodnet %s\n", version)
			cmd.Printf("  commit: %s\n", commit)
			cmd.Printf("  built:  %s\n", date)
		},
	}
}
