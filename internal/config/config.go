package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIURL      = "http://127.0.0.1:3000"
	DefaultDBFileName  = ".hivault.db"
	DefaultBlobDirName = ".hivault-blobs"
	DefaultLogLevel    = "info"

	DefaultMaxRetries          = 3
	DefaultRetryDelayMS        = 1000
	DefaultMaxRetryDelayMS     = 8000
	DefaultDownloadMissingBlob = true
	DefaultMinBlobBytes        = 100
	DefaultStaleBufferMS       = 60000
	DefaultPrecacheConcurrency = 4

	DefaultRetentionDays   = 3
	DefaultIntervalMinutes = 60
	DefaultGCBatchSize     = 500

	configFileName           = ".hivault.toml"
	configDirEnvKey          = "HIVAULT_CONFIG_DIR"
	trustProjectConfigEnvKey = "HIVAULT_TRUST_PROJECT_CONFIG"

	apiURLEnvKey  = "HIVAULT_API_URL"
	dbPathEnvKey  = "HIVAULT_DB"
	blobDirEnvKey = "HIVAULT_BLOB_DIR"
)

// ResolverConfig tunes asset resolution.
type ResolverConfig struct {
	MaxRetries          int   `toml:"max_retries"`
	RetryDelayMS        int64 `toml:"retry_delay_ms"`
	MaxRetryDelayMS     int64 `toml:"max_retry_delay_ms"`
	DownloadMissingBlob bool  `toml:"download_missing_blob"`
	MinBlobBytes        int   `toml:"min_blob_bytes"`
	StaleBufferMS       int64 `toml:"stale_buffer_ms"`
	PrecacheConcurrency int   `toml:"precache_concurrency"`
}

// RetryDelay returns the base backoff delay.
func (r ResolverConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMS) * time.Millisecond
}

// MaxRetryDelay returns the backoff cap.
func (r ResolverConfig) MaxRetryDelay() time.Duration {
	return time.Duration(r.MaxRetryDelayMS) * time.Millisecond
}

// StaleBuffer returns how long before expiry a reference is re-signed.
func (r ResolverConfig) StaleBuffer() time.Duration {
	return time.Duration(r.StaleBufferMS) * time.Millisecond
}

// CleanupConfig controls the age sweep and blob collection.
type CleanupConfig struct {
	RetentionDays   int `toml:"retention_days"`
	IntervalMinutes int `toml:"interval_minutes"`
	GCBatchSize     int `toml:"gc_batch_size"`
}

// Retention returns the retention horizon.
func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Interval returns the time between scheduled sweeps.
func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Config defines runtime configuration for hivault.
type Config struct {
	APIURL                   string         `toml:"api_url"`
	DBPath                   string         `toml:"db_path"`
	BlobDir                  string         `toml:"blob_dir"`
	LogLevel                 string         `toml:"log_level"`
	MemoryFallback           bool           `toml:"memory_fallback"`
	Resolver                 ResolverConfig `toml:"resolver"`
	Cleanup                  CleanupConfig  `toml:"cleanup"`
	TrustedProjectConfigPath string         `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:         DefaultAPIURL,
		LogLevel:       DefaultLogLevel,
		MemoryFallback: true,
		Resolver: ResolverConfig{
			MaxRetries:          DefaultMaxRetries,
			RetryDelayMS:        DefaultRetryDelayMS,
			MaxRetryDelayMS:     DefaultMaxRetryDelayMS,
			DownloadMissingBlob: DefaultDownloadMissingBlob,
			MinBlobBytes:        DefaultMinBlobBytes,
			StaleBufferMS:       DefaultStaleBufferMS,
			PrecacheConcurrency: DefaultPrecacheConcurrency,
		},
		Cleanup: CleanupConfig{
			RetentionDays:   DefaultRetentionDays,
			IntervalMinutes: DefaultIntervalMinutes,
			GCBatchSize:     DefaultGCBatchSize,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"api_url",
	"db_path",
	"blob_dir",
	"log_level",
	"memory_fallback",
	"resolver.max_retries",
	"resolver.retry_delay_ms",
	"resolver.max_retry_delay_ms",
	"resolver.download_missing_blob",
	"resolver.min_blob_bytes",
	"resolver.stale_buffer_ms",
	"resolver.precache_concurrency",
	"cleanup.retention_days",
	"cleanup.interval_minutes",
	"cleanup.gc_batch_size",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "api_url":
		return c.APIURL, nil
	case "db_path":
		return c.DBPath, nil
	case "blob_dir":
		return c.BlobDir, nil
	case "log_level":
		return c.LogLevel, nil
	case "memory_fallback":
		return strconv.FormatBool(c.MemoryFallback), nil
	case "resolver.max_retries":
		return strconv.Itoa(c.Resolver.MaxRetries), nil
	case "resolver.retry_delay_ms":
		return strconv.FormatInt(c.Resolver.RetryDelayMS, 10), nil
	case "resolver.max_retry_delay_ms":
		return strconv.FormatInt(c.Resolver.MaxRetryDelayMS, 10), nil
	case "resolver.download_missing_blob":
		return strconv.FormatBool(c.Resolver.DownloadMissingBlob), nil
	case "resolver.min_blob_bytes":
		return strconv.Itoa(c.Resolver.MinBlobBytes), nil
	case "resolver.stale_buffer_ms":
		return strconv.FormatInt(c.Resolver.StaleBufferMS, 10), nil
	case "resolver.precache_concurrency":
		return strconv.Itoa(c.Resolver.PrecacheConcurrency), nil
	case "cleanup.retention_days":
		return strconv.Itoa(c.Cleanup.RetentionDays), nil
	case "cleanup.interval_minutes":
		return strconv.Itoa(c.Cleanup.IntervalMinutes), nil
	case "cleanup.gc_batch_size":
		return strconv.Itoa(c.Cleanup.GCBatchSize), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if apiURL := strings.TrimSpace(os.Getenv(apiURLEnvKey)); apiURL != "" {
		cfg.APIURL = apiURL
	}
	if dbPath := strings.TrimSpace(os.Getenv(dbPathEnvKey)); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if blobDir := strings.TrimSpace(os.Getenv(blobDirEnvKey)); blobDir != "" {
		cfg.BlobDir = blobDir
	}

	if cfg.DBPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
		}
	}
	if cfg.BlobDir == "" && cfg.DBPath != "" {
		cfg.BlobDir = filepath.Join(filepath.Dir(cfg.DBPath), DefaultBlobDirName)
	}

	cfg.normalizeDefaults()

	return &cfg, nil
}

var (
	positiveIntKeys = map[string]struct{}{
		"resolver.max_retries":          {},
		"resolver.min_blob_bytes":       {},
		"resolver.precache_concurrency": {},
		"cleanup.retention_days":        {},
		"cleanup.interval_minutes":      {},
		"cleanup.gc_batch_size":         {},
	}
	nonNegativeMillisKeys = map[string]struct{}{
		"resolver.retry_delay_ms":     {},
		"resolver.max_retry_delay_ms": {},
		"resolver.stale_buffer_ms":    {},
	}
)

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	if _, ok := positiveIntKeys[key]; ok {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	}
	if _, ok := nonNegativeMillisKeys[key]; ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return parsed, nil
	}
	switch key {
	case "memory_fallback", "resolver.download_missing_blob":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func (c *Config) normalizeDefaults() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Resolver.MaxRetries <= 0 {
		c.Resolver.MaxRetries = DefaultMaxRetries
	}
	if c.Resolver.RetryDelayMS <= 0 {
		c.Resolver.RetryDelayMS = DefaultRetryDelayMS
	}
	if c.Resolver.MaxRetryDelayMS < c.Resolver.RetryDelayMS {
		c.Resolver.MaxRetryDelayMS = c.Resolver.RetryDelayMS
	}
	if c.Resolver.MinBlobBytes <= 0 {
		c.Resolver.MinBlobBytes = DefaultMinBlobBytes
	}
	if c.Resolver.StaleBufferMS < 0 {
		c.Resolver.StaleBufferMS = DefaultStaleBufferMS
	}
	if c.Resolver.PrecacheConcurrency <= 0 {
		c.Resolver.PrecacheConcurrency = DefaultPrecacheConcurrency
	}
	if c.Cleanup.RetentionDays <= 0 {
		c.Cleanup.RetentionDays = DefaultRetentionDays
	}
	if c.Cleanup.IntervalMinutes <= 0 {
		c.Cleanup.IntervalMinutes = DefaultIntervalMinutes
	}
	if c.Cleanup.GCBatchSize <= 0 {
		c.Cleanup.GCBatchSize = DefaultGCBatchSize
	}
}
