package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "p2pnet"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "P2PNET_DATA_DIR"
	// DefaultPort is shared by TCP and UDP when no user override exists.
	DefaultPort = 8080
	// DefaultBroadcastAddress is the IPv4 limited broadcast address.
	DefaultBroadcastAddress = "255.255.255.255"
	// DefaultChunkSize is the file part size in bytes.
	DefaultChunkSize = 10 * 1024
	// MaxChunkSize bounds the configurable file part size.
	MaxChunkSize = 4 * 1024 * 1024
	// DefaultLivenessTimeoutSeconds is how long a silent peer is kept.
	DefaultLivenessTimeoutSeconds = 30
	// DefaultHeartbeatIntervalSeconds paces presence broadcasts.
	DefaultHeartbeatIntervalSeconds = 10
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// tempDirName is the default staging directory under the data dir.
	tempDirName = "temp"
)

// ErrInvalidConfig indicates a value outside its allowed range.
var ErrInvalidConfig = errors.New("config: invalid value")

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID                   string `json:"node_id"`
	NodeName                 string `json:"node_name"`
	ListenIP                 string `json:"listen_ip"`
	Port                     int    `json:"port"`
	BroadcastAddress         string `json:"broadcast_address"`
	ForwardAll               bool   `json:"forward_all"`
	ChunkSize                int    `json:"chunk_size"`
	LivenessTimeoutSeconds   int    `json:"liveness_timeout_seconds"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
	TempDir                  string `json:"temp_dir"`
	MDNSEnabled              *bool  `json:"mdns_enabled,omitempty"`
	LogLevel                 string `json:"log_level"`
}

// LivenessTimeout returns the peer liveness timeout as a duration.
func (c *NodeConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the presence interval. A negative setting
// disables heartbeats.
func (c *NodeConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalSeconds <= 0 {
		return -1
	}
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// MDNS reports whether mDNS discovery is enabled.
func (c *NodeConfig) MDNS() bool {
	return c.MDNSEnabled == nil || *c.MDNSEnabled
}

// Validate checks value ranges.
func (c *NodeConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk_size %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.LivenessTimeoutSeconds < 1 {
		return fmt.Errorf("%w: liveness_timeout_seconds %d", ErrInvalidConfig, c.LivenessTimeoutSeconds)
	}
	if ip := net.ParseIP(c.BroadcastAddress); ip == nil || ip.To4() == nil {
		return fmt.Errorf("%w: broadcast_address %q", ErrInvalidConfig, c.BroadcastAddress)
	}
	if c.ListenIP != "" && net.ParseIP(c.ListenIP) == nil {
		return fmt.Errorf("%w: listen_ip %q", ErrInvalidConfig, c.ListenIP)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If P2PNET_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed. The staging
// directory is left to the file layer, which creates it on first use.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*NodeConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "p2pnet node"
}

func defaultConfig(dataDir string) *NodeConfig {
	cfg := &NodeConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}
	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName()
		updated = true
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
		updated = true
	}
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = DefaultBroadcastAddress
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.LivenessTimeoutSeconds <= 0 {
		cfg.LivenessTimeoutSeconds = DefaultLivenessTimeoutSeconds
		updated = true
	}
	if cfg.HeartbeatIntervalSeconds == 0 {
		cfg.HeartbeatIntervalSeconds = DefaultHeartbeatIntervalSeconds
		updated = true
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(dataDir, tempDirName)
		updated = true
	}
	if cfg.MDNSEnabled == nil {
		enabled := true
		cfg.MDNSEnabled = &enabled
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
