// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package plugin loads, registers and looks up GoodNet handler and
// connector modules.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/goodnet/goodnet/pkg/sdk"
)

// Role is the role a manifest declares.
type Role string

// Manifest roles.
const (
	RoleHandler   Role = "handler"
	RoleConnector Role = "connector"
)

// PluginType maps the role to the contract's role tag.
func (r Role) PluginType() sdk.PluginType {
	switch r {
	case RoleHandler:
		return sdk.PluginTypeHandler
	case RoleConnector:
		return sdk.PluginTypeConnector
	default:
		return sdk.PluginTypeUnknown
	}
}

// Manifest describes a module. Native libraries may ship one as a sidecar
// <stem>.yaml; process and Lua modules require one.
type Manifest struct {
	Name         string         `yaml:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version      string         `yaml:"version" jsonschema:"description=Semantic version of the module"`
	Host         string         `yaml:"host,omitempty" jsonschema:"description=Semver constraint on the host version"`
	Role         Role           `yaml:"role" jsonschema:"enum=handler,enum=connector"`
	Runtime      Runtime        `yaml:"runtime" jsonschema:"enum=native,enum=process,enum=lua"`
	Capabilities []string       `yaml:"capabilities,omitempty"`
	Native       *NativeConfig  `yaml:"native,omitempty"`
	Process      *ProcessConfig `yaml:"process,omitempty"`
	Lua          *LuaConfig     `yaml:"lua,omitempty"`
}

// NativeConfig locates the shared library of a native module.
type NativeConfig struct {
	Library string `yaml:"library"`
}

// ProcessConfig locates the executable of a process module.
type ProcessConfig struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args,omitempty"`
}

// LuaConfig locates the script of a Lua module.
type LuaConfig struct {
	Entry string `yaml:"entry"`
	// Types overrides the script's supported_types table.
	Types []uint32 `yaml:"types,omitempty"`
}

const maxNameLength = 64

// namePattern: lowercase letter first, then lowercase letters, digits or
// hyphens, not ending in a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code(CodeInvalidManifest).Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code(CodeInvalidManifest).Hint("invalid YAML").Wrap(err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadManifest reads, schema-checks and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.Code(CodeInvalidManifest).With("path", path).Wrap(err)
	}
	if err := ValidateSchema(data); err != nil {
		return nil, oops.Code(CodeInvalidManifest).With("path", path).Hint(FormatSchemaError(err)).Wrap(err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	fail := func(format string, args ...any) error {
		return oops.Code(CodeInvalidManifest).With("name", m.Name).Errorf(format, args...)
	}

	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fail("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fail("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fail("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fail("version %q is not a semantic version: %v", m.Version, err)
	}
	if m.Host != "" {
		if _, err := semver.NewConstraint(m.Host); err != nil {
			return fail("host constraint %q is invalid: %v", m.Host, err)
		}
	}

	switch m.Role {
	case RoleHandler, RoleConnector:
	default:
		return fail("role must be 'handler' or 'connector', got %q", m.Role)
	}

	switch m.Runtime {
	case RuntimeNative:
		if m.Native == nil || m.Native.Library == "" {
			return fail("native.library is required when runtime is native")
		}
	case RuntimeProcess:
		if m.Process == nil || m.Process.Executable == "" {
			return fail("process.executable is required when runtime is process")
		}
	case RuntimeLua:
		if m.Lua == nil || m.Lua.Entry == "" {
			return fail("lua.entry is required when runtime is lua")
		}
		if m.Role != RoleHandler {
			return fail("lua modules can only be handlers")
		}
	default:
		return fail("runtime must be 'native', 'process' or 'lua', got %q", m.Runtime)
	}

	return nil
}

// CheckHost reports whether hostVersion satisfies the manifest's host
// constraint. An empty constraint accepts every host.
func (m *Manifest) CheckHost(hostVersion string) error {
	if m.Host == "" {
		return nil
	}
	c, err := semver.NewConstraint(m.Host)
	if err != nil {
		return oops.Code(CodeInvalidManifest).With("name", m.Name).Wrap(err)
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return oops.Code(CodeInvalidManifest).
			With("name", m.Name).
			With("host_version", hostVersion).
			Errorf("host version %q is not a semantic version", hostVersion)
	}
	if !c.Check(v) {
		return oops.Code(CodeInvalidManifest).
			With("name", m.Name).
			With("constraint", m.Host).
			With("host_version", hostVersion).
			Errorf("module requires host %s", m.Host)
	}
	return nil
}

// EntryPath resolves the module's code path relative to the manifest
// directory.
func (m *Manifest) EntryPath(dir string) string {
	var p string
	switch m.Runtime {
	case RuntimeNative:
		p = m.Native.Library
	case RuntimeProcess:
		p = m.Process.Executable
	case RuntimeLua:
		p = m.Lua.Entry
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s@%s (%s %s)", m.Name, m.Version, m.Runtime, m.Role)
}
