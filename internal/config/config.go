// Package config provides the folderd daemon configuration.
//
// The authoritative copy of the folder set lives in config.yaml under the
// daemon state directory. The daemon treats it as read-only except when the
// user edits the set of folders (add/remove), which rewrites the file
// atomically.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigDir overrides the daemon state directory when set.
const EnvConfigDir = "FOLDER_MCP_USER_CONFIG_DIR"

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "DAEMON_LOG_LEVEL"

// Config represents the complete folderd configuration.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon" json:"daemon"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Folders   []FolderConfig  `yaml:"folders" json:"folders"`
}

// DaemonConfig configures the HTTP/WebSocket listener and shutdown behavior.
type DaemonConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	Host string `yaml:"host" json:"host"`
	// Port is the listen port (default: 3002).
	Port int `yaml:"port" json:"port"`
	// ShutdownGrace is how long to wait for in-flight work on shutdown
	// before forcing exit (e.g. "5s").
	ShutdownGrace string `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	// The DAEMON_LOG_LEVEL environment variable overrides it.
	Level string `yaml:"level" json:"level"`
	// File is the log file path. Empty uses <state>/logs/daemon.log.
	File string `yaml:"file" json:"file"`
}

// EmbeddingConfig configures the embedding backends.
type EmbeddingConfig struct {
	// Process is the command line that starts the embedding helper process
	// for cpu-kind models (argv form, e.g. ["python3", "embed_helper.py"]).
	Process []string `yaml:"process" json:"process"`
	// AccelLibrary is the path to the native embedding library for gpu-kind
	// models. Empty probes well-known locations.
	AccelLibrary string `yaml:"accel_library" json:"accel_library"`
	// BatchSize is the target number of texts per embed batch (default: 32).
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// KeepAlive is how long an idle model stays loaded (e.g. "5m").
	KeepAlive string `yaml:"keep_alive" json:"keep_alive"`
	// MaxQueuedBatches is the per-model backpressure watermark (default: 8).
	MaxQueuedBatches int `yaml:"max_queued_batches" json:"max_queued_batches"`
}

// FolderConfig is one configured folder. Path is the identity.
type FolderConfig struct {
	Path    string    `yaml:"path" json:"path"`
	Model   string    `yaml:"model" json:"model"`
	AddedAt time.Time `yaml:"added_at" json:"added_at"`
}

// Default returns a Config with sensible defaults and no folders.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:          "127.0.0.1",
			Port:          3002,
			ShutdownGrace: "5s",
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
		Embedding: EmbeddingConfig{
			Process:          nil, // resolved by the model registry when needed
			AccelLibrary:     "",
			BatchSize:        32,
			KeepAlive:        "5m",
			MaxQueuedBatches: 8,
		},
		Folders: nil,
	}
}

// Dir returns the daemon state directory (~/.folder-mcp by default).
// The FOLDER_MCP_USER_CONFIG_DIR environment variable overrides it.
func Dir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".folder-mcp")
	}
	return filepath.Join(home, ".folder-mcp")
}

// Path returns the path of the configuration file.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Exists returns true if the configuration file exists.
func Exists() bool {
	info, err := os.Stat(Path())
	return err == nil && !info.IsDir()
}

// Load reads the configuration file, merges it over defaults, applies
// environment overrides, and validates the result. A missing file yields
// the defaults.
func Load() (*Config, error) {
	cfg := Default()

	if Exists() {
		data, err := os.ReadFile(Path())
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", Path(), err)
		}
		if err := cfg.unmarshalStrict(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", Path(), err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// unmarshalStrict decodes YAML over the receiver, rejecting unknown keys.
func (c *Config) unmarshalStrict(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var parsed Config
	if err := dec.Decode(&parsed); err != nil {
		return err
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
// The folder list replaces rather than appends: the file is authoritative.
func (c *Config) mergeWith(other *Config) {
	if other.Daemon.Host != "" {
		c.Daemon.Host = other.Daemon.Host
	}
	if other.Daemon.Port != 0 {
		c.Daemon.Port = other.Daemon.Port
	}
	if other.Daemon.ShutdownGrace != "" {
		c.Daemon.ShutdownGrace = other.Daemon.ShutdownGrace
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.File != "" {
		c.Log.File = other.Log.File
	}

	if len(other.Embedding.Process) > 0 {
		c.Embedding.Process = other.Embedding.Process
	}
	if other.Embedding.AccelLibrary != "" {
		c.Embedding.AccelLibrary = other.Embedding.AccelLibrary
	}
	if other.Embedding.BatchSize != 0 {
		c.Embedding.BatchSize = other.Embedding.BatchSize
	}
	if other.Embedding.KeepAlive != "" {
		c.Embedding.KeepAlive = other.Embedding.KeepAlive
	}
	if other.Embedding.MaxQueuedBatches != 0 {
		c.Embedding.MaxQueuedBatches = other.Embedding.MaxQueuedBatches
	}

	if other.Folders != nil {
		c.Folders = other.Folders
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		switch strings.ToLower(v) {
		case "debug", "info", "warn", "error":
			c.Log.Level = strings.ToLower(v)
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be between 1 and 65535, got %d", c.Daemon.Port)
	}
	if _, err := time.ParseDuration(c.Daemon.ShutdownGrace); err != nil {
		return fmt.Errorf("daemon.shutdown_grace is not a duration: %q", c.Daemon.ShutdownGrace)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Log.Level)
	}

	if c.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if _, err := time.ParseDuration(c.Embedding.KeepAlive); err != nil {
		return fmt.Errorf("embedding.keep_alive is not a duration: %q", c.Embedding.KeepAlive)
	}
	if c.Embedding.MaxQueuedBatches < 1 {
		return fmt.Errorf("embedding.max_queued_batches must be positive, got %d", c.Embedding.MaxQueuedBatches)
	}

	seen := make(map[string]bool, len(c.Folders))
	for _, f := range c.Folders {
		if !filepath.IsAbs(f.Path) {
			return fmt.Errorf("folder path must be absolute, got %q", f.Path)
		}
		if f.Model == "" {
			return fmt.Errorf("folder %s has no model id", f.Path)
		}
		clean := filepath.Clean(f.Path)
		if seen[clean] {
			return fmt.Errorf("duplicate folder path %q", f.Path)
		}
		seen[clean] = true
	}

	return nil
}

// ShutdownGraceDuration returns the parsed shutdown grace period.
func (c *Config) ShutdownGraceDuration() time.Duration {
	d, err := time.ParseDuration(c.Daemon.ShutdownGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// KeepAliveDuration returns the parsed model keep-alive window.
func (c *Config) KeepAliveDuration() time.Duration {
	d, err := time.ParseDuration(c.Embedding.KeepAlive)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// FolderFor returns the folder configuration for the given path.
func (c *Config) FolderFor(path string) (FolderConfig, bool) {
	clean := filepath.Clean(path)
	for _, f := range c.Folders {
		if filepath.Clean(f.Path) == clean {
			return f, true
		}
	}
	return FolderConfig{}, false
}

// AddFolder appends a folder to the set and persists the file.
// Returns the new entry. Adding an already-configured path is an error.
func (c *Config) AddFolder(path, model string) (FolderConfig, error) {
	if !filepath.IsAbs(path) {
		return FolderConfig{}, fmt.Errorf("folder path must be absolute, got %q", path)
	}
	clean := filepath.Clean(path)
	if _, ok := c.FolderFor(clean); ok {
		return FolderConfig{}, fmt.Errorf("folder %s is already configured", clean)
	}

	entry := FolderConfig{Path: clean, Model: model, AddedAt: time.Now().UTC()}
	c.Folders = append(c.Folders, entry)
	sort.Slice(c.Folders, func(i, j int) bool { return c.Folders[i].Path < c.Folders[j].Path })

	if err := c.Save(); err != nil {
		return FolderConfig{}, err
	}
	return entry, nil
}

// RemoveFolder removes a folder from the set and persists the file.
// Returns false if the path was not configured.
func (c *Config) RemoveFolder(path string) (bool, error) {
	clean := filepath.Clean(path)
	kept := c.Folders[:0]
	removed := false
	for _, f := range c.Folders {
		if filepath.Clean(f.Path) == clean {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	if !removed {
		return false, nil
	}
	c.Folders = kept

	if err := c.Save(); err != nil {
		return false, err
	}
	return true, nil
}

// Save writes the configuration atomically (tmp file + rename).
// An existing file is backed up first.
func (c *Config) Save() error {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if Exists() {
		if _, err := Backup(); err != nil {
			return fmt.Errorf("failed to back up config: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, Path()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	return nil
}
