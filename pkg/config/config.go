// Package config provides configuration management for facegate.
// It loads configuration from YAML files with sensible defaults and
// overlays secrets from the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secret-bearing settings.
const (
	EnvSessionSecret = "FACEGATE_SESSION_SECRET"
	EnvVaultToken    = "FACEGATE_VAULT_TOKEN"
	EnvVaultKey      = "FACEGATE_VAULT_KEY"
	EnvVaultPepper   = "FACEGATE_VAULT_PEPPER"
	EnvDatabaseDSN   = "FACEGATE_DATABASE_DSN"
	EnvRedisPassword = "FACEGATE_REDIS_PASSWORD"
)

// Config holds all facegate configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Registry    RegistryConfig    `yaml:"registry"`
	Gate        GateConfig        `yaml:"gate"`
	Session     SessionConfig     `yaml:"session"`
	Vault       VaultConfig       `yaml:"vault"`
	VaultServer VaultServerConfig `yaml:"vault_server"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	S3          S3Config          `yaml:"s3"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the public HTTP listener settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	ModelPath string `yaml:"model_path"`
	// Threshold is the maximum accepted distance between a probe and a
	// reference descriptor. Lower values reject more impostors and more
	// genuine operators alike.
	Threshold      float64 `yaml:"threshold"`
	Metric         string  `yaml:"metric"`
	MinFrameWidth  int     `yaml:"min_frame_width"`
	MinFrameHeight int     `yaml:"min_frame_height"`
}

// FaceReference is one statically authorized operator image.
type FaceReference struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
}

// RegistryConfig holds the authorized-face registry settings.
type RegistryConfig struct {
	References     []FaceReference `yaml:"references"`
	RemoteEnabled  bool            `yaml:"remote_enabled"`
	RemoteRequired bool            `yaml:"remote_required"`
	RemoteTimeout  time.Duration   `yaml:"remote_timeout"`
}

// ThrottleConfig holds the denied-attempt throttle settings.
type ThrottleConfig struct {
	Backend     string        `yaml:"backend"`
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"window"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// GateConfig holds admin login gate settings.
type GateConfig struct {
	RequirePassword bool           `yaml:"require_password"`
	CaptureTimeout  time.Duration  `yaml:"capture_timeout"`
	Throttle        ThrottleConfig `yaml:"throttle"`
	RequestRate     float64        `yaml:"request_rate"`
	RequestBurst    int            `yaml:"request_burst"`
}

// SessionConfig holds privileged session token settings.
type SessionConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	TTL      time.Duration `yaml:"ttl"`
}

// VaultConfig holds the client-side settings for reaching the vault.
type VaultConfig struct {
	Address      string        `yaml:"address"`
	ServiceToken string        `yaml:"service_token"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	TLSCAFile    string        `yaml:"tls_ca_file"`
}

// Argon2Config holds password hashing cost parameters.
type Argon2Config struct {
	MemoryKiB uint32 `yaml:"memory_kib"`
	Time      uint32 `yaml:"time"`
	Threads   uint8  `yaml:"threads"`
}

// VaultServerConfig holds the privileged vault process settings.
type VaultServerConfig struct {
	Listen       string            `yaml:"listen"`
	ServiceToken string            `yaml:"service_token"`
	KeyID        string            `yaml:"key_id"`
	Key          string            `yaml:"key"`
	RetiredKeys  map[string]string `yaml:"retired_keys"`
	Pepper       string            `yaml:"pepper"`
	Argon2       Argon2Config      `yaml:"argon2"`
	TLSCertFile  string            `yaml:"tls_cert_file"`
	TLSKeyFile   string            `yaml:"tls_key_file"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	DataDir     string `yaml:"data_dir"`
	DatabaseDSN string `yaml:"database_dsn"`
}

// RedisConfig holds the shared throttle store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// S3Config holds settings for s3:// reference images.
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    8 << 20,
		},
		Recognition: RecognitionConfig{
			ModelPath:      filepath.Join(homeDir, ".local/share/facegate/models"),
			Threshold:      0.6,
			Metric:         "euclidean",
			MinFrameWidth:  160,
			MinFrameHeight: 160,
		},
		Registry: RegistryConfig{
			RemoteEnabled:  false,
			RemoteRequired: false,
			RemoteTimeout:  3 * time.Second,
		},
		Gate: GateConfig{
			RequirePassword: true,
			CaptureTimeout:  10 * time.Second,
			Throttle: ThrottleConfig{
				Backend:     "memory",
				MaxFailures: 5,
				Window:      15 * time.Minute,
				KeyPrefix:   "facegate:throttle:",
			},
			RequestRate:  1,
			RequestBurst: 5,
		},
		Session: SessionConfig{
			Issuer:   "facegate",
			Audience: "admin-save-car",
			TTL:      30 * time.Minute,
		},
		Vault: VaultConfig{
			Address:     "127.0.0.1:7443",
			CallTimeout: 5 * time.Second,
		},
		VaultServer: VaultServerConfig{
			Listen: ":7443",
			KeyID:  "k1",
			Argon2: Argon2Config{
				MemoryKiB: 64 * 1024,
				Time:      1,
				Threads:   4,
			},
		},
		Storage: StorageConfig{
			Backend: "file",
			DataDir: filepath.Join(homeDir, ".local/share/facegate"),
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(homeDir, ".local/share/facegate/facegate.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	config.ApplyEnv()
	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/facegate/facegate.yaml"); err == nil {
		return Load("/etc/facegate/facegate.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		userConfig := filepath.Join(homeDir, ".config/facegate/facegate.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return Load(userConfig)
		}
	}

	config := DefaultConfig()
	config.ApplyEnv()
	return config, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overlays secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvSessionSecret); v != "" {
		c.Session.Secret = v
	}
	if v := os.Getenv(EnvVaultToken); v != "" {
		c.Vault.ServiceToken = v
		c.VaultServer.ServiceToken = v
	}
	if v := os.Getenv(EnvVaultKey); v != "" {
		c.VaultServer.Key = v
	}
	if v := os.Getenv(EnvVaultPepper); v != "" {
		c.VaultServer.Pepper = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Storage.DatabaseDSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks the settings used by the public gate process.
func (c *Config) Validate() error {
	if c.Recognition.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", c.Recognition.Threshold)
	}
	if c.Recognition.Metric == "cosine" && c.Recognition.Threshold > 2 {
		return fmt.Errorf("cosine threshold must be at most 2, got %f", c.Recognition.Threshold)
	}
	validMetrics := map[string]bool{"euclidean": true, "cosine": true}
	if !validMetrics[c.Recognition.Metric] {
		return fmt.Errorf("invalid metric: %s (must be euclidean or cosine)", c.Recognition.Metric)
	}
	if c.Recognition.MinFrameWidth <= 0 || c.Recognition.MinFrameHeight <= 0 {
		return fmt.Errorf("invalid minimum frame size: %dx%d", c.Recognition.MinFrameWidth, c.Recognition.MinFrameHeight)
	}

	// An empty allow-list is a broken deployment, not a "deny everyone" mode.
	if len(c.Registry.References) == 0 {
		return errors.New("registry.references must list at least one authorized face")
	}
	seen := make(map[string]bool, len(c.Registry.References))
	for i, ref := range c.Registry.References {
		if ref.ID == "" || ref.Source == "" {
			return fmt.Errorf("registry.references[%d] needs both id and source", i)
		}
		if seen[ref.ID] {
			return fmt.Errorf("duplicate registry reference id: %s", ref.ID)
		}
		seen[ref.ID] = true
	}
	if c.Registry.RemoteRequired && !c.Registry.RemoteEnabled {
		return errors.New("registry.remote_required needs registry.remote_enabled")
	}
	if c.Registry.RemoteTimeout <= 0 {
		return fmt.Errorf("remote_timeout must be positive, got %s", c.Registry.RemoteTimeout)
	}

	if c.Gate.CaptureTimeout <= 0 {
		return fmt.Errorf("capture_timeout must be positive, got %s", c.Gate.CaptureTimeout)
	}
	if c.Gate.Throttle.MaxFailures <= 0 {
		return fmt.Errorf("max_failures must be positive, got %d", c.Gate.Throttle.MaxFailures)
	}
	if c.Gate.Throttle.Window <= 0 {
		return fmt.Errorf("throttle window must be positive, got %s", c.Gate.Throttle.Window)
	}
	validThrottle := map[string]bool{"memory": true, "redis": true}
	if !validThrottle[c.Gate.Throttle.Backend] {
		return fmt.Errorf("invalid throttle backend: %s (must be memory or redis)", c.Gate.Throttle.Backend)
	}

	if len(c.Session.Secret) < 32 {
		return errors.New("session.secret must be at least 32 bytes")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.Session.TTL)
	}

	if c.Vault.Address == "" {
		return errors.New("vault.address is required")
	}
	if c.Vault.ServiceToken == "" {
		return errors.New("vault.service_token is required")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	return c.validateLogging()
}

// ValidateVaultServer checks the settings used by the privileged vault process.
func (c *Config) ValidateVaultServer() error {
	vs := c.VaultServer
	if vs.Listen == "" {
		return errors.New("vault_server.listen is required")
	}
	if vs.ServiceToken == "" {
		return errors.New("vault_server.service_token is required")
	}
	if vs.KeyID == "" {
		return errors.New("vault_server.key_id is required")
	}
	if err := validateKey(vs.KeyID, vs.Key); err != nil {
		return err
	}
	for id, key := range vs.RetiredKeys {
		if id == vs.KeyID {
			return fmt.Errorf("retired key %s shadows the active key", id)
		}
		if err := validateKey(id, key); err != nil {
			return err
		}
	}
	if vs.Argon2.MemoryKiB < 8*1024 || vs.Argon2.Time == 0 || vs.Argon2.Threads == 0 {
		return errors.New("argon2 parameters too weak (memory_kib >= 8192, time >= 1, threads >= 1)")
	}
	if (vs.TLSCertFile == "") != (vs.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	return c.validateLogging()
}

// ValidateStorage checks only the persistence settings, for CLI commands
// that touch stores without running the gate.
func (c *Config) ValidateStorage() error {
	return c.validateStorage()
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "file":
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required for the file backend")
		}
	case "postgres":
		if c.Storage.DatabaseDSN == "" {
			return errors.New("storage.database_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be file or postgres)", c.Storage.Backend)
	}
	if c.Registry.RemoteEnabled && c.Storage.Backend != "postgres" {
		return errors.New("registry.remote_enabled needs the postgres storage backend")
	}
	return nil
}

func (c *Config) validateLogging() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}
	return nil
}

func validateKey(id, encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("key %s is not valid base64: %w", id, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("key %s must decode to 32 bytes, got %d", id, len(raw))
	}
	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
	c.Vault.TLSCAFile = ExpandPath(c.Vault.TLSCAFile)
	c.VaultServer.TLSCertFile = ExpandPath(c.VaultServer.TLSCertFile)
	c.VaultServer.TLSKeyFile = ExpandPath(c.VaultServer.TLSKeyFile)
	for i, ref := range c.Registry.References {
		if !strings.Contains(ref.Source, "://") {
			c.Registry.References[i].Source = ExpandPath(ref.Source)
		}
	}
}

// EnsureDirectories creates necessary directories for storage, models and logging.
func (c *Config) EnsureDirectories() error {
	if c.Storage.Backend == "file" {
		if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
