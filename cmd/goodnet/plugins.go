// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goodnet/goodnet/internal/core"
	"github.com/goodnet/goodnet/internal/plugin"
)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect modules",
	}
	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsScanCmd())
	return cmd
}

type listConfig struct {
	jsonOutput bool
}

func newPluginsListCmd() *cobra.Command {
	cfg := &listConfig{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load every module and print what registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPluginsList(cmd, cfg)
		},
	}
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runPluginsList(cmd *cobra.Command, lc *listConfig) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c, err := core.New(coreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create core: %w", err)
	}
	ctx := cmd.Context()
	defer func() { _ = c.Stop(context.WithoutCancel(ctx)) }()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to load modules: %w", err)
	}

	modules := append(c.Manager().Handlers(), c.Manager().Connectors()...)
	if lc.jsonOutput {
		out, err := formatModulesJSON(modules)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(out)
		return nil
	}
	cmd.Print(formatModulesTable(modules))
	return nil
}

// moduleJSON is the JSON shape of one module in `plugins list --json`.
type moduleJSON struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Runtime      string   `json:"runtime"`
	Version      string   `json:"version,omitempty"`
	Scheme       string   `json:"scheme,omitempty"`
	Types        []uint32 `json:"types,omitempty"`
	Enabled      bool     `json:"enabled"`
	Path         string   `json:"path,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	LoadMillis   float64  `json:"load_ms"`
}

func formatModulesJSON(modules []plugin.ModuleInfo) (string, error) {
	out := make([]moduleJSON, 0, len(modules))
	for _, m := range modules {
		out = append(out, moduleJSON{
			Name:         m.Name,
			Role:         m.Role.String(),
			Runtime:      string(m.Runtime),
			Version:      m.Version,
			Scheme:       m.Scheme,
			Types:        m.Types,
			Enabled:      m.Enabled,
			Path:         m.Path,
			Capabilities: m.Capabilities,
			LoadMillis:   float64(m.LoadDuration.Microseconds()) / 1000,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func formatModulesTable(modules []plugin.ModuleInfo) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "NAME\tROLE\tRUNTIME\tSCHEME/TYPES\tENABLED\tPATH")
	_, _ = fmt.Fprintln(w, "----\t----\t-------\t------------\t-------\t----")
	for _, m := range modules {
		target := m.Scheme
		if target == "" {
			target = formatTypes(m.Types)
		}
		path := m.Path
		if path == "" {
			path = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			m.Name, m.Role, m.Runtime, target, m.Enabled, path)
	}
	_ = w.Flush()
	return buf.String()
}

func formatTypes(types []uint32) string {
	if len(types) == 0 {
		return "*"
	}
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = strconv.FormatUint(uint64(t), 10)
	}
	return strings.Join(parts, ",")
}

func newPluginsScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [dir]",
		Short: "List module files without loading them",
		Long: `List the native libraries and manifests found under the handlers/
and connectors/ subdirectories of dir (default: the configured plugins
directory).`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPluginsScan,
	}
}

func runPluginsScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	dir := cfg.Plugins.BaseDir
	if len(args) == 1 {
		dir = args[0]
	}

	c, err := core.New(core.WithIOThreads(1), core.WithPluginDir(dir), core.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to create core: %w", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()
	m := c.Manager()

	total := 0
	for _, sub := range []string{plugin.HandlersDir, plugin.ConnectorsDir} {
		subDir := filepath.Join(dir, sub)
		libs, err := m.Scan(subDir)
		if err != nil {
			cmd.Printf("%s: %v\n", subDir, err)
			continue
		}
		manifests, err := m.ScanManifests(subDir)
		if err != nil {
			cmd.Printf("%s: %v\n", subDir, err)
			continue
		}
		found := append(libs, manifests...)
		slices.Sort(found)
		cmd.Printf("%s (%d)\n", subDir, len(found))
		for _, path := range found {
			cmd.Printf("  %s\n", filepath.Base(path))
		}
		total += len(found)
	}
	cmd.Printf("%d module file(s) found\n", total)
	return nil
}
