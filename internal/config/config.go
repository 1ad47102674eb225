package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigDir is the system-wide config directory for turngate.
const DefaultConfigDir = "/etc/turngate"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Default lifetimes and pool bounds, mirrored from internal/session's
// package-level defaults so a zero-value Config still produces a working
// relay after applyDefaults.
const (
	DefaultRealm            = "turngate.local"
	DefaultSoftware         = "turngate"
	DefaultPortMin          = 49152
	DefaultPortMax          = 65535
	DefaultLifetime         = 600 * time.Second
	DefaultMaxLifetime      = 3600 * time.Second
	DefaultNonceLifetime    = time.Hour
	DefaultPermissionLife   = 5 * time.Minute
	DefaultChannelLifetime  = 10 * time.Minute
	DefaultSharedSecretLife = 24 * time.Hour
)

// Config is the top-level configuration for turngate.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Realm      string           `toml:"realm"`
	External   ExternalConfig   `toml:"external"`
	Interfaces []InterfaceConfig `toml:"interfaces"`
	PortRange  PortRangeConfig  `toml:"port_range"`

	DefaultLifetime     Duration `toml:"default_lifetime"`
	MaxLifetime         Duration `toml:"max_lifetime"`
	NonceLifetime       Duration `toml:"nonce_lifetime"`
	PermissionLifetime  Duration `toml:"permission_lifetime"`
	ChannelLifetime     Duration `toml:"channel_lifetime"`

	Software string    `toml:"software"`
	TLS      TLSConfig `toml:"tls"`

	Users []UserConfig `toml:"users,omitempty"`
	Auth  AuthConfig   `toml:"auth"`
}

// ExternalConfig identifies the relay's publicly reachable address, used to
// fill XOR-RELAYED-ADDRESS when the bind address is not itself routable
// (e.g. behind a 1:1 NAT). XOR-MAPPED-ADDRESS always carries the client's
// own source address.
type ExternalConfig struct {
	// IP is the externally reachable address peers and clients see.
	IP string `toml:"ip"`

	// Port is saved and loaded with the config, but the relay does not
	// read it: advertised addresses carry the bound or relayed port.
	Port int `toml:"port,omitempty"`
}

// InterfaceConfig is one client-facing listener.
type InterfaceConfig struct {
	// Transport is "udp", "tcp", "tls", or "ws".
	Transport string `toml:"transport"`

	// BindAddr is a host:port, e.g. "0.0.0.0:3478" or "[::]:5349".
	BindAddr string `toml:"bind_addr"`
}

// PortRangeConfig bounds the relayed-port allocation pool.
type PortRangeConfig struct {
	Min int `toml:"min"`
	Max int `toml:"max"`
}

// TLSConfig configures the tls/ws interfaces' server certificate.
type TLSConfig struct {
	CertChainPath  string `toml:"cert_chain_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// UserConfig is one row of the static long-term-credential table. KeyHex is
// the hex-encoded long-term key (internal/creds.DeriveKey's output) that
// observer.StaticTable actually authenticates against — a TURN client's
// MESSAGE-INTEGRITY has to be verified against that derived key, which a
// one-way bcrypt hash of the password cannot reproduce. PasswordHash is a
// separate, optional bcrypt hash (golang.org/x/crypto/bcrypt) of the same
// password, stored and loaded with the user row; it is never consulted on
// the TURN wire path, and the control-plane status endpoint does not check
// it either. See internal/creds.HashPassword/VerifyPassword.
type UserConfig struct {
	Username     string `toml:"username"`
	KeyHex       string `toml:"key_hex"`
	PasswordHash string `toml:"password_hash,omitempty"`
	Algorithm    string `toml:"algorithm,omitempty"` // "md5" (default) or "sha256"
}

// AuthConfig selects which observer.Observer backs authentication.
type AuthConfig struct {
	// Mode is "static" (Users table, the default) or "shared-secret"
	// (TURN REST API style, keyed by StaticSecret).
	Mode string `toml:"mode"`

	// StaticSecret is the shared secret used by the "shared-secret" mode
	// to validate REST-API-issued credentials (RFC-adjacent, not in
	// spec.md; see SPEC_FULL.md §4). Stored only in secrets.toml.
	StaticSecret string `toml:"-"`
}

// Duration wraps time.Duration so it can be expressed in TOML as a plain
// string ("10m", "1h30m") instead of an integer nanosecond count.
type Duration time.Duration

// UnmarshalText parses a duration string (time.ParseDuration syntax).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration back to time.ParseDuration syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Dur returns the time.Duration value.
func (d Duration) Dur() time.Duration { return time.Duration(d) }

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Realm      string            `toml:"realm"`
	External   ExternalConfig    `toml:"external"`
	Interfaces []InterfaceConfig `toml:"interfaces"`
	PortRange  PortRangeConfig   `toml:"port_range"`

	DefaultLifetime    Duration `toml:"default_lifetime"`
	MaxLifetime        Duration `toml:"max_lifetime"`
	NonceLifetime      Duration `toml:"nonce_lifetime"`
	PermissionLifetime Duration `toml:"permission_lifetime"`
	ChannelLifetime    Duration `toml:"channel_lifetime"`

	Software string    `toml:"software"`
	TLS      TLSConfig `toml:"tls"`

	AuthMode string `toml:"auth_mode"`
}

// secretsFile is the TOML representation for secrets.toml (0640).
type secretsFile struct {
	Users        []UserConfig `toml:"users,omitempty"`
	StaticSecret string       `toml:"static_secret,omitempty"`
}

func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Realm:              cfg.Realm,
		External:           cfg.External,
		Interfaces:         cfg.Interfaces,
		PortRange:          cfg.PortRange,
		DefaultLifetime:    cfg.DefaultLifetime,
		MaxLifetime:        cfg.MaxLifetime,
		NonceLifetime:      cfg.NonceLifetime,
		PermissionLifetime: cfg.PermissionLifetime,
		ChannelLifetime:    cfg.ChannelLifetime,
		Software:           cfg.Software,
		TLS:                cfg.TLS,
		AuthMode:           cfg.Auth.Mode,
	}
}

func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Users:        cfg.Users,
		StaticSecret: cfg.Auth.StaticSecret,
	}
}

func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Users = s.Users
	cfg.Auth.StaticSecret = s.StaticSecret
}

// DefaultConfig returns a Config populated with sensible defaults. Realm is
// set to DefaultRealm; external IP and users are left empty and must be
// filled in by the operator or `turngate genkey`/manual editing.
func DefaultConfig() *Config {
	return &Config{
		Realm: DefaultRealm,
		Interfaces: []InterfaceConfig{
			{Transport: "udp", BindAddr: "0.0.0.0:3478"},
		},
		PortRange:          PortRangeConfig{Min: DefaultPortMin, Max: DefaultPortMax},
		DefaultLifetime:    Duration(DefaultLifetime),
		MaxLifetime:        Duration(DefaultMaxLifetime),
		NonceLifetime:      Duration(DefaultNonceLifetime),
		PermissionLifetime: Duration(DefaultPermissionLife),
		ChannelLifetime:    Duration(DefaultChannelLifetime),
		Software:           DefaultSoftware,
		Auth:               AuthConfig{Mode: "static"},
	}
}

// DefaultConfigPath returns the default path for the turngate config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for the turngate secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If secrets.toml does not exist, the
// secret fields (Users, Auth.StaticSecret) are left at their zero values.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration).
func LoadPublicConfig(path string) (*Config, error) {
	var cf configFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{
		Realm:              cf.Realm,
		External:           cf.External,
		Interfaces:         cf.Interfaces,
		PortRange:          cf.PortRange,
		DefaultLifetime:    cf.DefaultLifetime,
		MaxLifetime:        cf.MaxLifetime,
		NonceLifetime:      cf.NonceLifetime,
		PermissionLifetime: cf.PermissionLifetime,
		ChannelLifetime:    cf.ChannelLifetime,
		Software:           cf.Software,
		TLS:                cf.TLS,
		Auth:               AuthConfig{Mode: cf.AuthMode},
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path, using a split-file permission model:
//   - config.toml:  0664 (world-readable, no secrets)
//   - secrets.toml: 0640 (owner/group only — bcrypt hashes and the shared
//     secret live here)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only secrets.toml, for operations that rotate a
// credential without touching the rest of the config (e.g. genkey).
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read it without elevation. Best-effort: errors are silently
// ignored since the file is already written and root can always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}
	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}
	_ = os.Chown(path, 0, gid)
}

func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return nil
}

// ParseTOML decodes a config from a TOML string (config.toml fields only;
// no secrets.toml merge). Used by tests and by any embedding caller that
// doesn't have a config directory on disk.
func ParseTOML(s string) (*Config, error) {
	var cf configFile
	if _, err := toml.Decode(s, &cf); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	cfg := &Config{
		Realm:              cf.Realm,
		External:           cf.External,
		Interfaces:         cf.Interfaces,
		PortRange:          cf.PortRange,
		DefaultLifetime:    cf.DefaultLifetime,
		MaxLifetime:        cf.MaxLifetime,
		NonceLifetime:      cf.NonceLifetime,
		PermissionLifetime: cf.PermissionLifetime,
		ChannelLifetime:    cf.ChannelLifetime,
		Software:           cf.Software,
		TLS:                cf.TLS,
		Auth:               AuthConfig{Mode: cf.AuthMode},
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes a Config's public fields to a TOML string.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(toConfigFile(cfg)); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	if cfg.Software == "" {
		cfg.Software = DefaultSoftware
	}
	if len(cfg.Interfaces) == 0 {
		cfg.Interfaces = []InterfaceConfig{{Transport: "udp", BindAddr: "0.0.0.0:3478"}}
	}
	if cfg.PortRange.Min == 0 && cfg.PortRange.Max == 0 {
		cfg.PortRange = PortRangeConfig{Min: DefaultPortMin, Max: DefaultPortMax}
	}
	if cfg.DefaultLifetime == 0 {
		cfg.DefaultLifetime = Duration(DefaultLifetime)
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = Duration(DefaultMaxLifetime)
	}
	if cfg.NonceLifetime == 0 {
		cfg.NonceLifetime = Duration(DefaultNonceLifetime)
	}
	if cfg.PermissionLifetime == 0 {
		cfg.PermissionLifetime = Duration(DefaultPermissionLife)
	}
	if cfg.ChannelLifetime == 0 {
		cfg.ChannelLifetime = Duration(DefaultChannelLifetime)
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "static"
	}
}
