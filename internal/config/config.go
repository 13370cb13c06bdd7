// Package config reads and writes the dbak TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for dbak.
type Config struct {
	HostID   string         `toml:"host_id"`
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	DestDir  string         `toml:"dest_dir"` // backup store destination
	Roots    []RootConfig   `toml:"roots"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Scanner  ScannerConfig  `toml:"scanner"`
}

// RootConfig is one tracked source tree. Name is used for the destination
// mirror tree and defaults to the directory's base name.
type RootConfig struct {
	Name string `toml:"name,omitempty"`
	Path string `toml:"path"`
}

// DatabaseConfig configures the persisted index. Tagged union: Type selects
// which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// EngineConfig tunes the synchronization engine.
type EngineConfig struct {
	HashWorkers   int `toml:"hash_workers"`    // parallel hashing goroutines; 0 = NumCPU
	EventBuffer   int `toml:"event_buffer"`    // watcher delivery channel size
	RenameGraceMS int `toml:"rename_grace_ms"` // how long a detached rename half is held
}

// ScannerConfig configures tree traversal.
type ScannerConfig struct {
	Ignore []string `toml:"ignore"`
}

// NewConfig creates a Config with the provided values and default settings.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Engine: EngineConfig{
			EventBuffer:   1024,
			RenameGraceMS: 500,
		},
	}
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is not set (run 'dbak config init')")
	}
	if c.DestDir == "" {
		return fmt.Errorf("dest_dir is not set")
	}
	if len(c.Roots) == 0 {
		return fmt.Errorf("no tracked roots configured")
	}
	seen := make(map[string]bool, len(c.Roots))
	for i := range c.Roots {
		r := &c.Roots[i]
		if r.Path == "" {
			return fmt.Errorf("root %d has no path", i)
		}
		if !filepath.IsAbs(r.Path) {
			return fmt.Errorf("root path must be absolute: %s", r.Path)
		}
		if r.Name == "" {
			r.Name = filepath.Base(r.Path)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate root name: %s", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
// Refuses to overwrite an existing config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
