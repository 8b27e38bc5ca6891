// Package config holds the on-disk configuration for the icechat daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the icechat node.
type Config struct {
	// Identity controls where the long-term Ed25519 keypair is kept.
	Identity IdentityConfig `yaml:"identity"`

	// Storage controls where the entity store lives.
	Storage StorageConfig `yaml:"storage"`

	// Network controls the libp2p transport.
	Network NetworkConfig `yaml:"network"`

	// Notify controls the local websocket event feed for an external UI.
	Notify NotifyConfig `yaml:"notify"`

	// Logging controls the log level and destination.
	Logging LoggingConfig `yaml:"logging"`
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path (relative to DataDir unless absolute) to the
	// node's private key file.
	KeyFile string `yaml:"key_file"`

	// RendezvousSalt is mixed into every channel's X25519 agreement
	// before it is turned into a rendezvous channel string. Peers must
	// share the same salt to find each other; it is not a secret.
	RendezvousSalt string `yaml:"rendezvous_salt"`
}

// NetworkConfig holds P2P transport settings.
type NetworkConfig struct {
	// ListenAddrs are the multiaddrs the libp2p host listens on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are multiaddrs of DHT bootstrap peers.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// EnableMDNS enables local-network peer discovery.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables Kademlia-based peer discovery/advertisement
	// under each conversation's rendezvous channel string.
	EnableDHT bool `yaml:"enable_dht"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds libp2p connection manager settings.
type ConnMgrConfig struct {
	LowWater   int           `yaml:"low_water"`
	HighWater  int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig holds entity store settings.
type StorageConfig struct {
	// DataDir is the directory holding all data files (db, keys, config).
	DataDir string `yaml:"data_dir"`

	// DBFile is the SQLite file name, relative to DataDir unless absolute.
	DBFile string `yaml:"db_file"`
}

// NotifyConfig holds the local event-feed websocket server settings.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			KeyFile:        "identity.key",
			RendezvousSalt: "icechat-rendezvous-v1",
		},
		Storage: StorageConfig{
			DataDir: "~/.icechat",
			DBFile:  "icechat.db",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4242",
				"/ip6/::/tcp/4242",
			},
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			EnableDHT:      true,
			ConnMgr: ConnMgrConfig{
				LowWater:    32,
				HighWater:   128,
				GracePeriod: time.Minute,
			},
		},
		Notify: NotifyConfig{
			Enabled: false,
			Addr:    "127.0.0.1:4243",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file under dataDir. If the
// file doesn't exist, it creates one populated with defaults.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# icechat node configuration\n# generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// KeyFilePath returns the full path to the identity key file.
func (c *Config) KeyFilePath() string {
	if filepath.IsAbs(c.Identity.KeyFile) {
		return c.Identity.KeyFile
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), c.Identity.KeyFile)
}

// DBFilePath returns the full path to the SQLite database file.
func (c *Config) DBFilePath() string {
	if filepath.IsAbs(c.Storage.DBFile) {
		return c.Storage.DBFile
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), c.Storage.DBFile)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
