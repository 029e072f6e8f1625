// Package config provides configuration loading and defaults for the vmsnap-mcp server.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ResourceFilter holds allowlist and denylist entries for VM ids.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig groups the VM id filter applied to every snapshot tool.
type SafetyConfig struct {
	VMs ResourceFilter `yaml:"vms"`
}

// PathsConfig holds filesystem paths used by the server.
type PathsConfig struct {
	// ConfDir holds one YAML configuration document per VM id.
	ConfDir string `yaml:"conf_dir"`

	// LibvirtSocket is the libvirt daemon Unix socket.
	LibvirtSocket string `yaml:"libvirt_socket"`

	// QMPSocketDir holds per-VM monitor (<vmid>.qmp) and guest agent
	// (<vmid>.qga) sockets.
	QMPSocketDir string `yaml:"qmp_socket_dir"`

	// StorageDir is the root of the directory-backed storage pools.
	StorageDir string `yaml:"storage_dir"`
}

// StoragePoolConfig describes one directory-backed storage pool.
type StoragePoolConfig struct {
	Shared bool `yaml:"shared"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	LogPath   string `yaml:"log_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// ServerConfig holds network and authentication settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Config is the top-level configuration structure for the vmsnap-mcp server.
type Config struct {
	Server ServerConfig                 `yaml:"server"`
	Safety SafetyConfig                 `yaml:"safety"`
	Paths  PathsConfig                  `yaml:"paths"`
	Pools  map[string]StoragePoolConfig `yaml:"pools"`
	Audit  AuditConfig                  `yaml:"audit"`
}

// LoadConfig reads and parses a YAML configuration file from the given path.
// It returns a pointer to the populated Config and any error encountered.
// On error, nil is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Paths: PathsConfig{
			ConfDir:       "/etc/vmsnap/vms",
			LibvirtSocket: "/var/run/libvirt/libvirt-sock",
			QMPSocketDir:  "/var/run/vmsnap",
			StorageDir:    "/var/lib/vmsnap/storage",
		},
		Pools: map[string]StoragePoolConfig{
			"local": {},
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/var/log/vmsnap/audit.log",
		},
	}
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - VMSNAP_MCP_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - VMSNAP_CONF_DIR overrides cfg.Paths.ConfDir
//   - VMSNAP_QMP_SOCKET_DIR overrides cfg.Paths.QMPSocketDir
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv("VMSNAP_MCP_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if dir := os.Getenv("VMSNAP_CONF_DIR"); dir != "" {
		cfg.Paths.ConfDir = dir
	}
	if dir := os.Getenv("VMSNAP_QMP_SOCKET_DIR"); dir != "" {
		cfg.Paths.QMPSocketDir = dir
	}
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
