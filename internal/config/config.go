package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Source modes.
const (
	SourceLocal     = "local"
	SourceS3        = "s3"
	SourceWarehouse = "warehouse"
)

// Churn classifier modes.
const (
	ChurnRule    = "rule"
	ChurnTrained = "trained"
)

// AsOfLayout is the date layout for engine.as_of.
const AsOfLayout = "2006-01-02"

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Source  SourceConfig  `yaml:"source"`
	Engine  EngineConfig  `yaml:"engine"`
	Churn   ChurnConfig   `yaml:"churn"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	LogFile         string        `yaml:"log_file"`
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableProfiling bool          `yaml:"enable_profiling"`
}

// SourceConfig selects and configures the account/event data source
type SourceConfig struct {
	Mode      string          `yaml:"mode"`
	Local     LocalConfig     `yaml:"local"`
	S3        S3Config        `yaml:"s3"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Retry     RetryConfig     `yaml:"retry"`
	Timeout   time.Duration   `yaml:"timeout"`
}

// LocalConfig points at CSV exports on local disk
type LocalConfig struct {
	Directory    string `yaml:"directory"`
	AccountsFile string `yaml:"accounts_file"`
	EventsFile   string `yaml:"events_file"`
}

// S3Config points at CSV exports in an S3-compatible bucket
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	AccountsKey     string `yaml:"accounts_key"`
	EventsKey       string `yaml:"events_key"`
}

// WarehouseConfig points at Postgres tables
type WarehouseConfig struct {
	DSN           string `yaml:"dsn"`
	AccountsTable string `yaml:"accounts_table"`
	EventsTable   string `yaml:"events_table"`
	MaxConns      int32  `yaml:"max_conns"`
}

// RetryConfig represents retry settings for remote sources
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// EngineConfig represents compute settings
type EngineConfig struct {
	// AsOf pins the reference date (YYYY-MM-DD). Empty means the load time.
	AsOf string `yaml:"as_of"`
}

// ChurnConfig represents churn classifier settings
type ChurnConfig struct {
	Mode         string  `yaml:"mode"`
	Iterations   int     `yaml:"iterations"`
	LearningRate float64 `yaml:"learning_rate"`
}

// CacheConfig represents the tiered cache settings
type CacheConfig struct {
	Version               string            `yaml:"version"`
	MemoryMaxEntries      int               `yaml:"memory_max_entries"`
	Distributed           DistributedConfig `yaml:"distributed"`
	Disk                  DiskConfig        `yaml:"disk"`
	TTL                   TTLConfig         `yaml:"ttl"`
	AllowDistributedFlush bool              `yaml:"allow_distributed_flush"`
}

// DistributedConfig represents the Redis tier
type DistributedConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DiskConfig represents the Parquet disk tier
type DiskConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Directory string        `yaml:"directory"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// TTLConfig holds the TTL classes by volatility
type TTLConfig struct {
	Summary    time.Duration `yaml:"summary"`
	Master     time.Duration `yaml:"master"`
	Analytics  time.Duration `yaml:"analytics"`
	Historical time.Duration `yaml:"historical"`
}

// MetricsConfig represents Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// NewDefault creates a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			ListenAddr:      ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Source: SourceConfig{
			Mode: SourceLocal,
			Local: LocalConfig{
				Directory:    "data",
				AccountsFile: "users_cx.csv",
				EventsFile:   "events_cx_clean.csv",
			},
			S3: S3Config{
				Region:      "us-east-1",
				AccountsKey: "users_cx.csv",
				EventsKey:   "events_cx_clean.csv",
			},
			Warehouse: WarehouseConfig{
				AccountsTable: "accounts",
				EventsTable:   "events",
				MaxConns:      4,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			Timeout: 2 * time.Minute,
		},
		Churn: ChurnConfig{
			Mode:         ChurnTrained,
			Iterations:   500,
			LearningRate: 0.1,
		},
		Cache: CacheConfig{
			Version:          "v1",
			MemoryMaxEntries: 256,
			Distributed: DistributedConfig{
				Enabled: false,
				URL:     "redis://localhost:6379/0",
				Timeout: 250 * time.Millisecond,
				CircuitBreaker: CircuitBreakerConfig{
					Enabled:          true,
					FailureThreshold: 5,
					Timeout:          30 * time.Second,
				},
			},
			Disk: DiskConfig{
				Enabled:   true,
				Directory: ".cache/cxhealth",
				MaxAge:    24 * time.Hour,
			},
			TTL: TTLConfig{
				Summary:    time.Hour,
				Master:     4 * time.Hour,
				Analytics:  24 * time.Hour,
				Historical: 7 * 24 * time.Hour,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "cxhealth",
			Path:      "/metrics",
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file, and the environment.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from .env files that exist; missing files are skipped.
// Variables already present in the environment are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies environment overrides. The unprefixed legacy names are read
// first so that CXHEALTH_* variables win when both are set.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("USE_LOCAL_DATA"); val != "" {
		if parseBool(val) {
			c.Source.Mode = SourceLocal
		} else if c.Source.Mode == SourceLocal {
			c.Source.Mode = SourceS3
		}
	}
	if val := os.Getenv("USE_SIMPLE_CHURN"); val != "" {
		if parseBool(val) {
			c.Churn.Mode = ChurnRule
		} else {
			c.Churn.Mode = ChurnTrained
		}
	}
	if val := os.Getenv("DATA_PATH"); val != "" {
		c.Source.Local.Directory = val
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		c.Cache.Distributed.URL = val
		c.Cache.Distributed.Enabled = true
	}

	// Global settings
	if val := os.Getenv("CXHEALTH_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CXHEALTH_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("CXHEALTH_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("CXHEALTH_LISTEN_ADDR"); val != "" {
		c.Global.ListenAddr = val
	}
	if val := os.Getenv("CXHEALTH_PPROF"); val != "" {
		c.Global.EnableProfiling = parseBool(val)
	}

	// Source settings
	if val := os.Getenv("CXHEALTH_SOURCE_MODE"); val != "" {
		c.Source.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("CXHEALTH_DATA_DIR"); val != "" {
		c.Source.Local.Directory = val
	}
	if val := os.Getenv("CXHEALTH_S3_BUCKET"); val != "" {
		c.Source.S3.Bucket = val
	}
	if val := os.Getenv("CXHEALTH_S3_PREFIX"); val != "" {
		c.Source.S3.Prefix = val
	}
	if val := os.Getenv("CXHEALTH_S3_REGION"); val != "" {
		c.Source.S3.Region = val
	}
	if val := os.Getenv("CXHEALTH_S3_ENDPOINT"); val != "" {
		c.Source.S3.Endpoint = val
	}
	if val := os.Getenv("CXHEALTH_WAREHOUSE_DSN"); val != "" {
		c.Source.Warehouse.DSN = val
	}
	if val := os.Getenv("CXHEALTH_SOURCE_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Source.Retry.MaxAttempts = n
		}
	}

	// Engine and churn
	if val := os.Getenv("CXHEALTH_AS_OF"); val != "" {
		c.Engine.AsOf = val
	}
	if val := os.Getenv("CXHEALTH_CHURN_MODE"); val != "" {
		c.Churn.Mode = strings.ToLower(val)
	}

	// Cache settings
	if val := os.Getenv("CXHEALTH_CACHE_VERSION"); val != "" {
		c.Cache.Version = val
	}
	if val := os.Getenv("CXHEALTH_REDIS_URL"); val != "" {
		c.Cache.Distributed.URL = val
		c.Cache.Distributed.Enabled = true
	}
	if val := os.Getenv("CXHEALTH_REDIS_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.Distributed.Timeout = d
		}
	}
	if val := os.Getenv("CXHEALTH_CACHE_DIR"); val != "" {
		c.Cache.Disk.Directory = val
	}
	if val := os.Getenv("CXHEALTH_DISK_CACHE"); val != "" {
		c.Cache.Disk.Enabled = parseBool(val)
	}

	if val := os.Getenv("CXHEALTH_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = parseBool(val)
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Global.LogLevel)) {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if f := strings.ToLower(c.Global.LogFormat); f != "console" && f != "json" {
		return fmt.Errorf("invalid log_format: %s (must be console or json)", c.Global.LogFormat)
	}

	switch c.Source.Mode {
	case SourceLocal:
		if c.Source.Local.Directory == "" {
			return fmt.Errorf("source.local.directory is required")
		}
	case SourceS3:
		if c.Source.S3.Bucket == "" {
			return fmt.Errorf("source.s3.bucket is required for s3 mode")
		}
	case SourceWarehouse:
		if c.Source.Warehouse.DSN == "" {
			return fmt.Errorf("source.warehouse.dsn is required for warehouse mode")
		}
	default:
		return fmt.Errorf("invalid source.mode: %s (must be local, s3 or warehouse)", c.Source.Mode)
	}
	if c.Source.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("source.retry.max_attempts must be greater than 0")
	}

	if c.Engine.AsOf != "" {
		if _, err := time.Parse(AsOfLayout, c.Engine.AsOf); err != nil {
			return fmt.Errorf("invalid engine.as_of %q: expected YYYY-MM-DD", c.Engine.AsOf)
		}
	}

	if c.Churn.Mode != ChurnRule && c.Churn.Mode != ChurnTrained {
		return fmt.Errorf("invalid churn.mode: %s (must be rule or trained)", c.Churn.Mode)
	}

	if c.Cache.Version == "" || strings.Contains(c.Cache.Version, ":") {
		return fmt.Errorf("cache.version must be non-empty and must not contain ':'")
	}
	if c.Cache.MemoryMaxEntries <= 0 {
		return fmt.Errorf("cache.memory_max_entries must be greater than 0")
	}
	if c.Cache.Distributed.Enabled && c.Cache.Distributed.Timeout <= 0 {
		return fmt.Errorf("cache.distributed.timeout must be greater than 0")
	}
	if c.Cache.Disk.Enabled && c.Cache.Disk.Directory == "" {
		return fmt.Errorf("cache.disk.directory is required when the disk tier is enabled")
	}
	ttls := map[string]time.Duration{
		"summary":    c.Cache.TTL.Summary,
		"master":     c.Cache.TTL.Master,
		"analytics":  c.Cache.TTL.Analytics,
		"historical": c.Cache.TTL.Historical,
	}
	for name, ttl := range ttls {
		if ttl <= 0 {
			return fmt.Errorf("cache.ttl.%s must be greater than 0", name)
		}
	}

	return nil
}

// AsOfTime returns the pinned reference date, or zero when unset.
func (c *Configuration) AsOfTime() time.Time {
	if c.Engine.AsOf == "" {
		return time.Time{}
	}
	t, err := time.Parse(AsOfLayout, c.Engine.AsOf)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
