// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package config loads GoodNet settings from defaults, a YAML file and
// command-line flags, in that order of precedence.
package config

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/goodnet/goodnet/internal/logging"
	"github.com/goodnet/goodnet/internal/xdg"
)

// Default values.
const (
	DefaultListenAddress  = "0.0.0.0"
	DefaultListenPort     = 25565
	DefaultIOThreads      = 4
	DefaultMaxConnections = 1000
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultScanInterval   = 300 * time.Second
)

// Config is the full GoodNet configuration.
type Config struct {
	Core    CoreConfig    `koanf:"core"`
	Logging LoggingConfig `koanf:"logging"`
	Plugins PluginsConfig `koanf:"plugins"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// CoreConfig configures the frame listener and the worker pool.
type CoreConfig struct {
	ListenAddress  string `koanf:"listen_address"`
	ListenPort     int    `koanf:"listen_port"`
	IOThreads      int    `koanf:"io_threads"`
	MaxConnections int    `koanf:"max_connections"`
	BuiltinTCP     bool   `koanf:"builtin_tcp"`
}

// LoggingConfig configures the default logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// PluginsConfig configures module discovery.
type PluginsConfig struct {
	BaseDir      string        `koanf:"base_dir"`
	AutoLoad     bool          `koanf:"auto_load"`
	ScanInterval time.Duration `koanf:"scan_interval"`
	Watch        bool          `koanf:"watch"`
}

// MetricsConfig configures the metrics and health endpoint. An empty
// address disables it.
type MetricsConfig struct {
	Address string `koanf:"address"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"listen":          "core.listen_address",
	"port":            "core.listen_port",
	"io-threads":      "core.io_threads",
	"max-connections": "core.max_connections",
	"builtin-tcp":     "core.builtin_tcp",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"log-file":        "logging.file",
	"plugins-dir":     "plugins.base_dir",
	"auto-load":       "plugins.auto_load",
	"scan-interval":   "plugins.scan_interval",
	"watch":           "plugins.watch",
	"metrics-addr":    "metrics.address",
}

// Defaults returns the default value of every key.
func Defaults() map[string]any {
	baseDir, err := xdg.PluginsDir()
	if err != nil {
		baseDir = "plugins"
	}
	return map[string]any{
		"core.listen_address":   DefaultListenAddress,
		"core.listen_port":      DefaultListenPort,
		"core.io_threads":       DefaultIOThreads,
		"core.max_connections":  DefaultMaxConnections,
		"core.builtin_tcp":      true,
		"logging.level":         DefaultLogLevel,
		"logging.format":        DefaultLogFormat,
		"logging.file":          "",
		"plugins.base_dir":      baseDir,
		"plugins.auto_load":     true,
		"plugins.scan_interval": DefaultScanInterval,
		"plugins.watch":         true,
		"metrics.address":       "",
	}
}

// RegisterFlags adds the flags Load understands to fs. Flag defaults are
// informational; only flags set on the command line override other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("listen", DefaultListenAddress, "frame listener bind address")
	fs.Int("port", DefaultListenPort, "frame listener port")
	fs.Int("io-threads", DefaultIOThreads, "worker pool size")
	fs.Int("max-connections", DefaultMaxConnections, "maximum concurrent inbound connections")
	fs.Bool("builtin-tcp", true, "register the built-in tcp connector")
	fs.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("log-format", DefaultLogFormat, "log format (json or text)")
	fs.String("log-file", "", "append logs to this file instead of stderr")
	fs.String("plugins-dir", d["plugins.base_dir"].(string), "module base directory")
	fs.Bool("auto-load", true, "load modules from the plugins directory at startup")
	fs.Duration("scan-interval", DefaultScanInterval, "module directory rescan interval (0 disables)")
	fs.Bool("watch", true, "watch the plugins directory for changes")
	fs.String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
}

// Load builds a Config. When path is empty the XDG config file is used if it
// exists; an explicit path must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, oops.Code("CONFIG_DEFAULTS_FAILED").With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}
	if path != "" {
		if err := loadFile(k, path, explicit); err != nil {
			return nil, err
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return oops.Code("CONFIG_NOT_FOUND").
			With("path", path).
			Hint("pass --config with an existing file or omit it").
			Wrap(err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return oops.Code("CONFIG_PARSE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Core.ListenPort < 0 || c.Core.ListenPort > 65535 {
		return oops.Code("INVALID_CONFIG").
			With("key", "core.listen_port").
			Errorf("listen port %d out of range", c.Core.ListenPort)
	}
	if c.Core.IOThreads <= 0 {
		return oops.Code("INVALID_CONFIG").
			With("key", "core.io_threads").
			Errorf("io_threads must be positive, got %d", c.Core.IOThreads)
	}
	if c.Core.MaxConnections <= 0 {
		return oops.Code("INVALID_CONFIG").
			With("key", "core.max_connections").
			Errorf("max_connections must be positive, got %d", c.Core.MaxConnections)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return oops.Code("INVALID_CONFIG").
			With("key", "logging.format").
			Errorf("log format must be 'json' or 'text', got %q", c.Logging.Format)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return oops.Code("INVALID_CONFIG").
			With("key", "logging.level").
			Errorf("unknown log level %q", c.Logging.Level)
	}
	if c.Plugins.ScanInterval < 0 {
		return oops.Code("INVALID_CONFIG").
			With("key", "plugins.scan_interval").
			Errorf("scan interval cannot be negative")
	}
	if c.Plugins.AutoLoad && c.Plugins.BaseDir == "" {
		return oops.Code("INVALID_CONFIG").
			With("key", "plugins.base_dir").
			Errorf("auto_load requires a base directory")
	}
	return nil
}

// ListenAddr is the host:port the frame listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Core.ListenAddress, strconv.Itoa(c.Core.ListenPort))
}
