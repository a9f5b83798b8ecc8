// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr         string
	AccountsPath       string
	DataDir            string
	DatabasePath       string
	SignatureCachePath string
	GoogleClientID     string
	GoogleClientSecret string
	DefaultProjectID   string
	LogFile            string
	LogLevel           string

	// DebugThinking is prepended as a thinking part to the first streamed
	// chunk of every response when non-empty.
	DebugThinking string

	Notifications bool

	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Signature SignatureConfig `yaml:"signature"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
}

// DispatchConfig tunes the retry state machine.
type DispatchConfig struct {
	MaxRateLimitWait    time.Duration `yaml:"max_rate_limit_wait"`
	ShortRetryThreshold time.Duration `yaml:"short_retry_threshold"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	FailureCooldown     time.Duration `yaml:"failure_cooldown"`
	Warmup              bool          `yaml:"warmup"`
}

// SignatureConfig tunes the thought signature cache.
type SignatureConfig struct {
	MemoryTTL     time.Duration `yaml:"memory_ttl"`
	DiskTTL       time.Duration `yaml:"disk_ttl"`
	WriteInterval time.Duration `yaml:"write_interval"`
}

// UpstreamConfig selects header styles and endpoint overrides.
type UpstreamConfig struct {
	// HeaderStyles is the priority order for families with more than one
	// routing variant.
	HeaderStyles []string `yaml:"header_styles"`
	// Endpoints overrides the built-in fallback list per header style.
	Endpoints map[string][]string `yaml:"endpoints"`
}

// Default values
const (
	defaultListenAddr          = "127.0.0.1:8787"
	defaultProjectID           = "rising-fact-p41fc"
	defaultMaxRateLimitWait    = 300 * time.Second
	defaultShortRetryThreshold = 5 * time.Second
	defaultFailureThreshold    = 5
	defaultFailureCooldown     = 30 * time.Second
	defaultMemoryTTL           = time.Hour
	defaultDiskTTL             = 48 * time.Hour
	defaultWriteInterval       = 60 * time.Second
)

// Load reads configuration from .env files, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	envPaths := getEnvPaths()
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var defaultClientID, defaultClientSecret string
	if plugin := loadPluginClient(); plugin != nil {
		defaultClientID, defaultClientSecret = plugin.ClientID, plugin.ClientSecret
	}

	cfg.ListenAddr = getEnvString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.AccountsPath = getEnvString("ACCOUNTS_PATH", cfg.AccountsPath)
	cfg.DataDir = getEnvString("DATA_DIR", cfg.DataDir)
	cfg.DatabasePath = getEnvString("DATABASE_PATH", filepath.Join(cfg.DataDir, "requests.db"))
	cfg.SignatureCachePath = getEnvString("SIGNATURE_CACHE_PATH", filepath.Join(cfg.DataDir, "signature-cache.json"))
	cfg.GoogleClientID = getEnvString("GOOGLE_CLIENT_ID", defaultClientID)
	cfg.GoogleClientSecret = getEnvString("GOOGLE_CLIENT_SECRET", defaultClientSecret)
	cfg.DefaultProjectID = getEnvString("DEFAULT_PROJECT_ID", cfg.DefaultProjectID)
	cfg.LogFile = getEnvString("LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
	cfg.DebugThinking = getEnvString("DEBUG_THINKING", cfg.DebugThinking)
	cfg.Notifications = getEnvBool("NOTIFICATIONS", cfg.Notifications)

	cfg.Dispatch.MaxRateLimitWait = getEnvDuration("MAX_RATE_LIMIT_WAIT", cfg.Dispatch.MaxRateLimitWait)
	cfg.Dispatch.ShortRetryThreshold = getEnvDuration("SHORT_RETRY_THRESHOLD", cfg.Dispatch.ShortRetryThreshold)
	cfg.Dispatch.FailureThreshold = getEnvInt("FAILURE_THRESHOLD", cfg.Dispatch.FailureThreshold)
	cfg.Dispatch.FailureCooldown = getEnvDuration("FAILURE_COOLDOWN", cfg.Dispatch.FailureCooldown)
	cfg.Dispatch.Warmup = getEnvBool("THINKING_WARMUP", cfg.Dispatch.Warmup)

	cfg.Signature.MemoryTTL = getEnvDuration("SIGNATURE_MEMORY_TTL", cfg.Signature.MemoryTTL)
	cfg.Signature.DiskTTL = getEnvDuration("SIGNATURE_DISK_TTL", cfg.Signature.DiskTTL)
	cfg.Signature.WriteInterval = getEnvDuration("SIGNATURE_WRITE_INTERVAL", cfg.Signature.WriteInterval)

	if styles := getEnvString("HEADER_STYLES", ""); styles != "" {
		cfg.Upstream.HeaderStyles = splitList(styles)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := ensureDir(cfg.DataDir); err != nil {
		return nil, err
	}

	// Ensure database directory exists
	if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
		return nil, err
	}

	// Ensure accounts directory exists
	if err := ensureDir(filepath.Dir(cfg.AccountsPath)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a configuration populated with built-in defaults only.
func Defaults() *Config {
	dataDir := getDefaultDataDir()
	return &Config{
		ListenAddr:         defaultListenAddr,
		AccountsPath:       getDefaultAccountsPath(),
		DataDir:            dataDir,
		DatabasePath:       filepath.Join(dataDir, "requests.db"),
		SignatureCachePath: filepath.Join(dataDir, "signature-cache.json"),
		DefaultProjectID:   defaultProjectID,
		LogLevel:           "info",
		Notifications:      true,
		Dispatch: DispatchConfig{
			MaxRateLimitWait:    defaultMaxRateLimitWait,
			ShortRetryThreshold: defaultShortRetryThreshold,
			FailureThreshold:    defaultFailureThreshold,
			FailureCooldown:     defaultFailureCooldown,
			Warmup:              true,
		},
		Signature: SignatureConfig{
			MemoryTTL:     defaultMemoryTTL,
			DiskTTL:       defaultDiskTTL,
			WriteInterval: defaultWriteInterval,
		},
		Upstream: UpstreamConfig{
			HeaderStyles: []string{"antigravity", "gemini-cli"},
		},
	}
}

// fileConfig mirrors the YAML layout. Only fields present in the file
// override the defaults.
type fileConfig struct {
	ListenAddr       string          `yaml:"listen_addr"`
	AccountsPath     string          `yaml:"accounts_path"`
	DataDir          string          `yaml:"data_dir"`
	DefaultProjectID string          `yaml:"default_project_id"`
	LogFile          string          `yaml:"log_file"`
	LogLevel         string          `yaml:"log_level"`
	DebugThinking    string          `yaml:"debug_thinking"`
	Notifications    *bool           `yaml:"notifications"`
	Dispatch         DispatchConfig  `yaml:"dispatch"`
	Signature        SignatureConfig `yaml:"signature"`
	Upstream         UpstreamConfig  `yaml:"upstream"`
}

// loadFile merges a YAML config file into cfg.
func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.AccountsPath, fc.AccountsPath)
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
		cfg.DatabasePath = filepath.Join(fc.DataDir, "requests.db")
		cfg.SignatureCachePath = filepath.Join(fc.DataDir, "signature-cache.json")
	}
	setString(&cfg.DefaultProjectID, fc.DefaultProjectID)
	setString(&cfg.LogFile, fc.LogFile)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.DebugThinking, fc.DebugThinking)
	if fc.Notifications != nil {
		cfg.Notifications = *fc.Notifications
	}

	setDuration(&cfg.Dispatch.MaxRateLimitWait, fc.Dispatch.MaxRateLimitWait)
	setDuration(&cfg.Dispatch.ShortRetryThreshold, fc.Dispatch.ShortRetryThreshold)
	setDuration(&cfg.Dispatch.FailureCooldown, fc.Dispatch.FailureCooldown)
	if fc.Dispatch.FailureThreshold > 0 {
		cfg.Dispatch.FailureThreshold = fc.Dispatch.FailureThreshold
	}
	setDuration(&cfg.Signature.MemoryTTL, fc.Signature.MemoryTTL)
	setDuration(&cfg.Signature.DiskTTL, fc.Signature.DiskTTL)
	setDuration(&cfg.Signature.WriteInterval, fc.Signature.WriteInterval)

	if len(fc.Upstream.HeaderStyles) > 0 {
		cfg.Upstream.HeaderStyles = fc.Upstream.HeaderStyles
	}
	if len(fc.Upstream.Endpoints) > 0 {
		cfg.Upstream.Endpoints = fc.Upstream.Endpoints
	}

	return nil
}

// Validate reports configuration that cannot work.
func (cfg *Config) Validate() error {
	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		return fmt.Errorf(
			"GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required (set via env or opencode-antigravity-auth)")
	}
	if cfg.Signature.MemoryTTL > cfg.Signature.DiskTTL {
		return fmt.Errorf("signature memory ttl (%s) must not exceed disk ttl (%s)",
			cfg.Signature.MemoryTTL, cfg.Signature.DiskTTL)
	}
	for _, style := range cfg.Upstream.HeaderStyles {
		if style != "antigravity" && style != "gemini-cli" {
			return fmt.Errorf("unknown header style %q", style)
		}
	}
	return nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	// Home directory locations
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "opencode", "antigravity-dispatch", ".env"),
			filepath.Join(home, ".config", "opencode", ".env"),
			filepath.Join(home, ".antigravity", ".env"),
		)
	}

	return paths
}

// getDefaultDataDir returns the directory holding the request log and caches.
func getDefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "opencode", "antigravity-dispatch")
}

// getDefaultAccountsPath returns the default path for the accounts JSON file.
func getDefaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "antigravity-accounts.json"
	}
	return filepath.Join(home, ".config", "opencode", "antigravity-accounts.json")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
