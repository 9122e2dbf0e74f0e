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

// EnvConfigKey holds the passphrase for "enc:" values.
const EnvConfigKey = "AGENTFABRIC_CONFIG_KEY"

// Config is the top-level process configuration.
type Config struct {
	Workers   WorkersConfig   `yaml:"workers"`
	Bus       BusConfig       `yaml:"bus"`
	LLM       LLMConfig       `yaml:"llm"`
	Hosted    HostedConfig    `yaml:"hosted"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Memory    MemoryConfig    `yaml:"memory"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
}

// BusConfig selects the message bus backend.
type BusConfig struct {
	Backend       string        `yaml:"backend"` // "redis" or "memory"
	RedisURL      string        `yaml:"redis_url"`
	Password      string        `yaml:"password,omitempty"`
	DB            int           `yaml:"db"`
	TaskQueue     string        `yaml:"task_queue"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// LLMConfig holds chat-completion provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for remote calls.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single chat-completion provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai", "azure_openai", "bedrock"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	APIVersion  string        `yaml:"api_version,omitempty"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// HostedConfig configures the hosted agent platform client.
type HostedConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Endpoint          string        `yaml:"endpoint"`
	APIVersion        string        `yaml:"api_version"`
	APIKey            string        `yaml:"api_key,omitempty"`
	UseAzureIdentity  bool          `yaml:"use_azure_identity"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// ArtifactsConfig configures blob storage for visualization files and reports.
type ArtifactsConfig struct {
	Provider         string        `yaml:"provider"` // "azblob" or ""
	ConnectionString string        `yaml:"connection_string,omitempty"`
	AccountName      string        `yaml:"account_name"`
	AccountKey       string        `yaml:"account_key,omitempty"`
	ServiceURL       string        `yaml:"service_url,omitempty"`
	Container        string        `yaml:"container"`
	ReportsContainer string        `yaml:"reports_container"`
	SASExpiry        time.Duration `yaml:"sas_expiry"`
}

// MemoryConfig configures agent memory. Memory is disabled when no embedding
// provider is configured.
type MemoryConfig struct {
	Enabled      bool            `yaml:"enabled"`
	DBPath       string          `yaml:"db_path"`
	Embedding    EmbeddingConfig `yaml:"embedding"`
	MinRelevance float64         `yaml:"min_relevance"`
	MaxResults   int             `yaml:"max_results"`
}

// EmbeddingConfig holds text embedding provider settings.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "openai" or ""
	BaseURL  string `yaml:"base_url,omitempty"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// SessionsConfig controls session lifetime.
type SessionsConfig struct {
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	ReapSchedule string        `yaml:"reap_schedule"`
	HistoryLimit int           `yaml:"history_limit"`
}

// RuntimeConfig points at the default runtime configuration. An empty path
// uses the packaged default.
type RuntimeConfig struct {
	DefaultPath string `yaml:"default_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
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

// defaultDataDir returns $HOME/.agentfabric/data, or ./data without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentfabric", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Workers: WorkersConfig{
			Count:        4,
			PollInterval: 100 * time.Millisecond,
			RunTimeout:   5 * time.Minute,
		},
		Bus: BusConfig{
			Backend:   "redis",
			RedisURL:  "redis://localhost:6379/0",
			TaskQueue: "tasks",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: []ProviderConfig{
				{
					Name:    "openai",
					Type:    "openai",
					BaseURL: "https://api.openai.com/v1",
					Model:   "gpt-4o-mini",
				},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Hosted: HostedConfig{
			APIVersion:        "2025-05-01",
			PollInterval:      time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
			RequestTimeout:    60 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Container:        "visualizations",
			ReportsContainer: "reports",
			SASExpiry:        24 * time.Hour,
		},
		Memory: MemoryConfig{
			DBPath:       filepath.Join(defaultDataDir(), "memory.db"),
			MinRelevance: 0.7,
			MaxResults:   3,
		},
		Sessions: SessionsConfig{
			IdleTTL:      30 * time.Minute,
			ReapSchedule: "@every 5m",
			HistoryLimit: 50,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvConfigKey); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTFABRIC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTFABRIC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("AGENTFABRIC_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Workers.RunTimeout = d
		}
	}
	if v := os.Getenv("AGENTFABRIC_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("AGENTFABRIC_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("AGENTFABRIC_REDIS_PASSWORD"); v != "" {
		cfg.Bus.Password = v
	}
	if v := os.Getenv("AGENTFABRIC_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey != "" {
			continue
		}
		switch p.Type {
		case "openai":
			p.APIKey = os.Getenv("AGENTFABRIC_OPENAI_API_KEY")
		case "azure_openai":
			p.APIKey = os.Getenv("AGENTFABRIC_AZURE_OPENAI_API_KEY")
		}
	}
	if v := os.Getenv("AGENTFABRIC_HOSTED_ENDPOINT"); v != "" {
		cfg.Hosted.Endpoint = v
		cfg.Hosted.Enabled = true
	}
	if v := os.Getenv("AGENTFABRIC_HOSTED_API_KEY"); v != "" {
		cfg.Hosted.APIKey = v
	}
	if v := os.Getenv("AGENTFABRIC_STORAGE_CONNECTION_STRING"); v != "" {
		cfg.Artifacts.ConnectionString = v
		cfg.Artifacts.Provider = "azblob"
	}
	if v := os.Getenv("AGENTFABRIC_STORAGE_ACCOUNT_NAME"); v != "" {
		cfg.Artifacts.AccountName = v
		cfg.Artifacts.Provider = "azblob"
	}
	if v := os.Getenv("AGENTFABRIC_STORAGE_ACCOUNT_KEY"); v != "" {
		cfg.Artifacts.AccountKey = v
	}
	if v := os.Getenv("AGENTFABRIC_EMBEDDING_API_KEY"); v != "" {
		cfg.Memory.Embedding.APIKey = v
	}
	if v := os.Getenv("AGENTFABRIC_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("AGENTFABRIC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTFABRIC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTFABRIC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// secretFields returns every field that may hold an "enc:" value.
func secretFields(cfg *Config) map[string]*string {
	fields := map[string]*string{
		"bus.password":            &cfg.Bus.Password,
		"hosted.api_key":          &cfg.Hosted.APIKey,
		"artifacts.account_key":   &cfg.Artifacts.AccountKey,
		"artifacts.connection":    &cfg.Artifacts.ConnectionString,
		"memory.embedding.apikey": &cfg.Memory.Embedding.APIKey,
	}
	for i := range cfg.LLM.Providers {
		fields["provider "+cfg.LLM.Providers[i].Name+" api_key"] = &cfg.LLM.Providers[i].APIKey
	}
	return fields
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for name, fp := range secretFields(cfg) {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
