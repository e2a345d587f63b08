package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for davsync.
type Config struct {
	LogDir  string         `toml:"log_dir"`
	Account AccountConfig  `toml:"account"`
	Folders []FolderConfig `toml:"folders"`
	Sync    SyncConfig     `toml:"sync"`
}

// AccountConfig describes the server account the client syncs against.
type AccountConfig struct {
	// URL is the WebDAV root, e.g. https://host/remote.php/webdav/.
	URL      string `toml:"url"`
	Username string `toml:"username"`
	// Password may be left empty; the CLI then prompts for it.
	Password string `toml:"password,omitempty"`
}

// FolderConfig pairs a local directory with a path on the server.
type FolderConfig struct {
	Name      string `toml:"name"`
	LocalDir  string `toml:"local_dir"`
	RemoteDir string `toml:"remote_dir,omitempty"`
	// SharedRoot marks the folder as a mounted read-only share.
	SharedRoot bool `toml:"shared_root,omitempty"`
	// Ignore lists exclude patterns applied on top of the folder's
	// .syncignore file.
	Ignore []string `toml:"ignore,omitempty"`
}

// SyncConfig holds transfer tuning. Zero values mean "use the default".
type SyncConfig struct {
	MaxParallel            int   `toml:"max_parallel,omitempty"`
	ChunkSize              int64 `toml:"chunk_size,omitempty"`
	TimeoutSeconds         int   `toml:"timeout_seconds,omitempty"`
	FreeSpaceBytes         int64 `toml:"free_space_bytes,omitempty"`
	CriticalFreeSpaceBytes int64 `toml:"critical_free_space_bytes,omitempty"`
	// BandwidthLimitBytes caps transfer throughput in bytes per second.
	// Zero disables the limiter.
	BandwidthLimitBytes int64 `toml:"bandwidth_limit_bytes,omitempty"`
}

// NewConfig creates a new Config with the provided account values and
// default paths.
func NewConfig(serverURL, username, baseDir string) *Config {
	return &Config{
		LogDir: filepath.Join(baseDir, "log"),
		Account: AccountConfig{
			URL:      serverURL,
			Username: username,
		},
	}
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
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
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

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Folder returns the folder with the given name, or the only folder when
// name is empty and exactly one is configured.
func (c *Config) Folder(name string) (*FolderConfig, error) {
	if name == "" {
		if len(c.Folders) == 1 {
			return &c.Folders[0], nil
		}
		return nil, fmt.Errorf("config has %d folders, name one", len(c.Folders))
	}
	for i := range c.Folders {
		if c.Folders[i].Name == name {
			return &c.Folders[i], nil
		}
	}
	return nil, fmt.Errorf("no folder named %q in config", name)
}
