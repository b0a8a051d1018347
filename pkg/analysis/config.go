package analysis

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/mjansson/luau/pkg/parser"
)

// Config is the per-module analysis configuration.
type Config struct {
	Mode         Mode
	ParseOptions parser.ParseOptions

	// Globals are extra global names bound to the any type for this module.
	Globals []string

	EnabledLint LintOptions
	FatalLint   LintOptions
	LintErrors  bool
}

// DefaultConfig checks nonstrict with all lints enabled as warnings.
func DefaultConfig() Config {
	c := Config{Mode: ModeNonstrict}
	c.EnabledLint.EnableAllWarnings()
	return c
}

// ConfigResolver supplies the configuration for a module.
type ConfigResolver interface {
	GetConfig(name ModuleName) *Config
}

// NullConfigResolver returns the same configuration for every module.
type NullConfigResolver struct {
	Config Config
}

// GetConfig implements ConfigResolver.
func (r *NullConfigResolver) GetConfig(name ModuleName) *Config {
	return &r.Config
}

// ---------------------------------------------------------------------------
// Project configuration file
// ---------------------------------------------------------------------------

// ConfigFileName is the project configuration file read from the project
// root.
const ConfigFileName = "luau.toml"

// projectConfig is the on-disk shape of luau.toml.
type projectConfig struct {
	Analysis struct {
		Mode    string   `toml:"mode"`
		Globals []string `toml:"globals"`
	} `toml:"analysis"`

	Lint struct {
		Errors  bool            `toml:"errors"`
		Enabled map[string]bool `toml:"enabled"`
		Fatal   []string        `toml:"fatal"`
	} `toml:"lint"`
}

// LoadProjectConfig reads luau.toml from a directory. A missing file yields
// the default configuration; a malformed file is an error.
func LoadProjectConfig(dir string) (Config, error) {
	config := DefaultConfig()

	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return config, fmt.Errorf("read %s: %w", path, err)
	}

	var pc projectConfig
	if err := toml.Unmarshal(data, &pc); err != nil {
		return config, fmt.Errorf("parse %s: %w", path, err)
	}

	switch pc.Analysis.Mode {
	case "":
	case "nocheck":
		config.Mode = ModeNoCheck
	case "nonstrict":
		config.Mode = ModeNonstrict
	case "strict":
		config.Mode = ModeStrict
	default:
		return config, fmt.Errorf("%s: unknown mode %q", path, pc.Analysis.Mode)
	}

	config.Globals = pc.Analysis.Globals
	config.LintErrors = pc.Lint.Errors

	for name, enabled := range pc.Lint.Enabled {
		code, ok := LintCodeByName(name)
		if !ok {
			return config, fmt.Errorf("%s: unknown lint rule %q", path, name)
		}
		if enabled {
			config.EnabledLint.EnableWarning(code)
		} else {
			config.EnabledLint.DisableWarning(code)
		}
	}

	for _, name := range pc.Lint.Fatal {
		code, ok := LintCodeByName(name)
		if !ok {
			return config, fmt.Errorf("%s: unknown lint rule %q", path, name)
		}
		config.FatalLint.EnableWarning(code)
	}

	return config, nil
}
