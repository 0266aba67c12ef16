// Package config loads nfcbridge's YAML configuration: where the card helper
// scripts live, how to run them, and how to interpret what they print.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/databox/nfcbridge/nfc"
	"github.com/databox/nfcbridge/paths"
)

// Defaults for omitted keys.
const (
	DefaultRunTimeout    = 30 * time.Second
	DefaultStopGrace     = 2 * time.Second
	DefaultSuccessMarker = "✅"
	DefaultAdminClass    = 65535
	DefaultListen        = "127.0.0.1:8765"
)

// ScriptKind names one of the helper scripts.
type ScriptKind string

const (
	ScriptMonitor ScriptKind = "monitor"
	ScriptRead    ScriptKind = "read"
	ScriptWrite   ScriptKind = "write"
	ScriptLookup  ScriptKind = "lookup"
)

// AllScripts lists every script kind in a stable order.
func AllScripts() []ScriptKind {
	return []ScriptKind{ScriptMonitor, ScriptRead, ScriptWrite, ScriptLookup}
}

// UsesReader reports whether the script talks to the reader hardware.
func (k ScriptKind) UsesReader() bool {
	return k != ScriptLookup
}

// Scripts holds the helper script file names, relative to ScriptsDir unless absolute.
type Scripts struct {
	Monitor string `yaml:"monitor"`
	Read    string `yaml:"read"`
	Write   string `yaml:"write"`
	Lookup  string `yaml:"lookup"`
}

// Config holds the application configuration
type Config struct {
	Interpreter   string           `yaml:"interpreter"`           // e.g. "python3"
	ScriptsDir    string           `yaml:"scripts_dir,omitempty"` // relative paths resolve against the config file
	Scripts       Scripts          `yaml:"scripts"`               // helper script names
	RunTimeout    time.Duration    `yaml:"run_timeout"`           // bound on every one-shot run
	StopGrace     time.Duration    `yaml:"stop_grace"`            // how long shutdown waits for children to exit
	SuccessMarker string           `yaml:"success_marker"`        // prefix of the writer's success line
	StatusLayout  nfc.StatusLayout `yaml:"status_layout,flow"`    // names of the status vector positions
	AdminClass    int              `yaml:"admin_class,omitempty"` // class code granting edit rights; 0 means default
	Listen        string           `yaml:"listen"`                // WebSocket listen address
	Env           []string         `yaml:"env,omitempty"`         // extra KEY=VALUE pairs for the scripts (DB_HOST, ...)
	Debug         bool             `yaml:"debug,omitempty"`       // debug level logging

	filePath string
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config at path, or at the default location when path is
// empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if cfg.ScriptsDir != "" && !filepath.IsAbs(cfg.ScriptsDir) {
		dir := filepath.Join(filepath.Dir(path), cfg.ScriptsDir)
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		cfg.ScriptsDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Interpreter == "" {
		c.Interpreter = defaultInterpreter()
	}
	if c.ScriptsDir == "" {
		if dir, err := paths.ScriptsDir(); err == nil {
			c.ScriptsDir = dir
		}
	}
	if c.Scripts.Monitor == "" {
		c.Scripts.Monitor = "monitor_nfc.py"
	}
	if c.Scripts.Read == "" {
		c.Scripts.Read = "nfc_reader.py"
	}
	if c.Scripts.Write == "" {
		c.Scripts.Write = "nfc_writer.py"
	}
	if c.Scripts.Lookup == "" {
		c.Scripts.Lookup = "get_db_data.py"
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.SuccessMarker == "" {
		c.SuccessMarker = DefaultSuccessMarker
	}
	if len(c.StatusLayout) == 0 {
		c.StatusLayout = nfc.DefaultStatusLayout()
	}
	if c.AdminClass == 0 {
		c.AdminClass = DefaultAdminClass
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}

// defaultInterpreter mirrors how the helper scripts are usually invoked:
// "python" on Windows, "python3" elsewhere.
func defaultInterpreter() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Validate checks the configuration for values the supervisor cannot use.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Interpreter) == "" {
		return fmt.Errorf("interpreter must not be empty")
	}
	for _, kind := range AllScripts() {
		if c.scriptName(kind) == "" {
			return fmt.Errorf("script %q must not be empty", kind)
		}
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run_timeout must be positive, got %s", c.RunTimeout)
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop_grace must not be negative, got %s", c.StopGrace)
	}
	if c.SuccessMarker == "" {
		return fmt.Errorf("success_marker must not be empty")
	}
	if err := c.StatusLayout.Validate(); err != nil {
		return err
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

func (c *Config) scriptName(kind ScriptKind) string {
	switch kind {
	case ScriptMonitor:
		return c.Scripts.Monitor
	case ScriptRead:
		return c.Scripts.Read
	case ScriptWrite:
		return c.Scripts.Write
	case ScriptLookup:
		return c.Scripts.Lookup
	}
	return ""
}

// ScriptPath returns the resolved path of a helper script.
func (c *Config) ScriptPath(kind ScriptKind) string {
	name := c.scriptName(kind)
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ScriptsDir, name)
}

// FilePath returns the file the config was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// Save writes the config as YAML to its file path.
func (c *Config) Save() error {
	if c.filePath == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return err
		}
		c.filePath = p
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(c.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", c.filePath, err)
	}
	return nil
}

// SetFilePath sets where Save writes to.
func (c *Config) SetFilePath(path string) {
	c.filePath = path
}
