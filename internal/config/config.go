package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Store backends selectable via config.
const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// Config represents the daemon config file (homechat.toml).
type Config struct {
	DataDir string `toml:"data_dir"`

	Store   StoreConfig   `toml:"store"`
	Gateway GatewayConfig `toml:"gateway"`
}

// StoreConfig selects and parameterizes the message store backend.
type StoreConfig struct {
	Backend          string `toml:"backend"`
	SQLitePath       string `toml:"sqlite_path"`
	FirestoreProject string `toml:"firestore_project"`
}

// GatewayConfig holds the HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Store: StoreConfig{
			Backend: BackendSQLite,
		},
		Gateway: GatewayConfig{
			ListenAddr: "127.0.0.1:8475",
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// SQLitePath returns the configured database path or the default inside DataDir.
func (c *Config) SQLitePath() string {
	if c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	return filepath.Join(c.DataDir, "homechat.db")
}

// LogPath returns the daemon log file path inside DataDir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "homechatd.log")
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
	case BackendFirestore:
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr must not be empty")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".homechat"
	}
	return filepath.Join(home, ".homechat")
}
