package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level host configuration.
type Config struct {
	Host         HostConfig         `yaml:"host"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Store        StoreConfig        `yaml:"store"`
	Forms        FormsConfig        `yaml:"forms"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Sync         SyncConfig         `yaml:"sync"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// HostConfig holds general host settings.
type HostConfig struct {
	DataDir string `yaml:"data_dir"`
}

// BridgeConfig tunes the host-to-renderer bridge.
type BridgeConfig struct {
	// RequestTimeout bounds each outbound call to the renderer.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StoreConfig holds local record store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FormsConfig holds form bundle settings.
type FormsConfig struct {
	BundleDir string `yaml:"bundle_dir"`
}

// CapabilitiesConfig holds native capture settings.
type CapabilitiesConfig struct {
	// Simulated swaps real device capture for scripted implementations.
	Simulated     bool   `yaml:"simulated"`
	AttachmentDir string `yaml:"attachment_dir"`
	// Disabled lists capability kinds to refuse even when registered
	// (e.g. "microphone" on deployments that must not record audio).
	Disabled []string `yaml:"disabled,omitempty"`
}

// SyncConfig holds Synkronus server sync settings.
type SyncConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	Schedule  string        `yaml:"schedule"` // cron expression or duration
	Timeout   time.Duration `yaml:"timeout"`
	Token     string        `yaml:"token,omitempty"` // supports "enc:" values
	VaultPath string        `yaml:"vault_path,omitempty"`
}

// GatewayConfig holds development WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool       `yaml:"enabled"`
	Addr    string     `yaml:"addr"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"` // supports "enc:" values
	Name  string `yaml:"name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".synkronus", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Host: HostConfig{
			DataDir: dataDir,
		},
		Bridge: BridgeConfig{
			RequestTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "records.db"),
		},
		Forms: FormsConfig{
			BundleDir: filepath.Join(dataDir, "forms"),
		},
		Capabilities: CapabilitiesConfig{
			Simulated:     false,
			AttachmentDir: filepath.Join(dataDir, "attachments"),
		},
		Sync: SyncConfig{
			Enabled:   false,
			Schedule:  "15m",
			Timeout:   30 * time.Second,
			VaultPath: filepath.Join(dataDir, "vault"),
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8791",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and
// decrypts secrets. A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SYNKRONUS_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SYNKRONUS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYNKRONUS_DATA_DIR"); v != "" {
		cfg.Host.DataDir = v
	}
	if v := os.Getenv("SYNKRONUS_BRIDGE_REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Bridge.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SYNKRONUS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNKRONUS_FORMS_BUNDLE_DIR"); v != "" {
		cfg.Forms.BundleDir = v
	}
	if v := os.Getenv("SYNKRONUS_CAPABILITIES_SIMULATED"); v == "true" {
		cfg.Capabilities.Simulated = true
	}
	if v := os.Getenv("SYNKRONUS_CAPABILITIES_ATTACHMENT_DIR"); v != "" {
		cfg.Capabilities.AttachmentDir = v
	}
	if v := os.Getenv("SYNKRONUS_SYNC_ENABLED"); v == "true" {
		cfg.Sync.Enabled = true
	}
	if v := os.Getenv("SYNKRONUS_SYNC_BASE_URL"); v != "" {
		cfg.Sync.BaseURL = v
	}
	if v := os.Getenv("SYNKRONUS_SYNC_SCHEDULE"); v != "" {
		cfg.Sync.Schedule = v
	}
	if v := os.Getenv("SYNKRONUS_SYNC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Sync.Timeout = d
		}
	}
	if v := os.Getenv("SYNKRONUS_SYNC_TOKEN"); v != "" {
		cfg.Sync.Token = v
	}
	if v := os.Getenv("SYNKRONUS_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("SYNKRONUS_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("SYNKRONUS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SYNKRONUS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SYNKRONUS_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("SYNKRONUS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SYNKRONUS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Sync.Token, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Sync.Token, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("sync token: %w", err)
		}
		cfg.Sync.Token = decrypted
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
