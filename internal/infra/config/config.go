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

// Config is the top-level application configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Voice    VoiceConfig    `yaml:"voice"`
	Session  SessionConfig  `yaml:"session"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Includes []string       `yaml:"includes,omitempty"`
}

// GatewayConfig holds the main gateway connection settings.
type GatewayConfig struct {
	URL               string           `yaml:"url"`
	Token             string           `yaml:"token"`
	Intents           uint64           `yaml:"intents"`
	ShardID           int              `yaml:"shard_id"`
	ShardCount        int              `yaml:"shard_count"` // 0 = unsharded
	Properties        PropertiesConfig `yaml:"properties"`
	HandshakeTimeout  time.Duration    `yaml:"handshake_timeout"`
	HeartbeatJitter   float64          `yaml:"heartbeat_jitter"` // 0 = random per connection
	SendRatePerMinute int              `yaml:"send_rate_per_minute"`
	SendBurst         int              `yaml:"send_burst"`
	Reconnect         ReconnectConfig  `yaml:"reconnect"`
}

// PropertiesConfig identifies the client in the identify handshake.
type PropertiesConfig struct {
	OS      string `yaml:"os"`
	Browser string `yaml:"browser"`
	Device  string `yaml:"device"`
}

// ReconnectConfig holds backoff and circuit breaker settings for
// re-establishing a dropped gateway connection.
type ReconnectConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"` // 0 = unbounded
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// VoiceConfig holds defaults for voice-signaling connections.
type VoiceConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PreferredModes   []string      `yaml:"preferred_modes,omitempty"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
}

// SessionConfig controls session persistence across process restarts.
type SessionConfig struct {
	Persist bool   `yaml:"persist"`
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data/sessions.db"
	}
	return filepath.Join(home, ".trill", "sessions.db")
}

// Defaults returns a Config populated with sane defaults. Load starts from
// this and overlays the YAML file and environment on top.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL: "wss://gateway.discord.gg/?v=10&encoding=json",
			Properties: PropertiesConfig{
				OS:      "linux",
				Browser: "trill",
				Device:  "trill",
			},
			HandshakeTimeout:  10 * time.Second,
			SendRatePerMinute: 110,
			SendBurst:         5,
			Reconnect: ReconnectConfig{
				MaxAttempts:        0,
				BaseDelay:          time.Second,
				MaxDelay:           2 * time.Minute,
				BreakerMaxFailures: 5,
				BreakerTimeout:     60 * time.Second,
			},
		},
		Voice: VoiceConfig{
			HandshakeTimeout: 10 * time.Second,
			MaxAttempts:      5,
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         10 * time.Second,
		},
		Session: SessionConfig{
			Persist: true,
			Path:    defaultSessionPath(),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads the config file at path, merges includes, applies environment
// overrides and secret decryption, and validates the result. A missing file
// is not an error: defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := decryptFromEnv(cfg); err != nil {
				return nil, err
			}
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

	// Process includes (merges included files into cfg).
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := decryptFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decryptFromEnv(cfg *Config) error {
	passphrase := os.Getenv("TRILL_CONFIG_KEY")
	if passphrase == "" {
		return nil
	}
	if err := decryptSecrets(cfg, passphrase); err != nil {
		return fmt.Errorf("decrypt secrets: %w", err)
	}
	return nil
}

// ApplyEnvOverrides maps TRILL_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRILL_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("TRILL_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("TRILL_GATEWAY_INTENTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Gateway.Intents = n
		}
	}
	if v := os.Getenv("TRILL_GATEWAY_SHARD_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Gateway.ShardID = n
		}
	}
	if v := os.Getenv("TRILL_GATEWAY_SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Gateway.ShardCount = n
		}
	}
	if v := os.Getenv("TRILL_GATEWAY_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("TRILL_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Gateway.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRILL_RECONNECT_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.Reconnect.BaseDelay = d
		}
	}
	if v := os.Getenv("TRILL_RECONNECT_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.Reconnect.MaxDelay = d
		}
	}
	if v := os.Getenv("TRILL_SESSION_PERSIST"); v != "" {
		cfg.Session.Persist = v == "true"
	}
	if v := os.Getenv("TRILL_SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("TRILL_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TRILL_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TRILL_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("TRILL_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets walks the secret-bearing fields and decrypts any value
// carrying the "enc:" prefix.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Gateway.Token, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Gateway.Token, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("gateway token: %w", err)
		}
		cfg.Gateway.Token = decrypted
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
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
