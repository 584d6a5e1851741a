// Package models - service configuration.
// This file defines the configuration tree for every gateway component,
// its defaults, and validation.
//
// Configuration layering:
// - NewDefaultConfig supplies working defaults for a single-node deployment
// - a YAML file overrides any subset of keys
// - FORMBRIDGE_* environment variables override the file
// - Validate runs last and rejects inconsistent combinations
package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypeSQLite   = "sqlite"
	StorageTypePostgres = "postgres"
	StorageTypeDynamoDB = "dynamodb"
)

// Counter backend constants
const (
	CounterBackendStore = "store"
	CounterBackendRedis = "redis"
)

// Release source constants
const (
	ReleaseSourceStatic = "static"
	ReleaseSourceS3     = "s3"
)

// Site validation levels. ValidationLevelNone disables the check.
const (
	ValidationLevelNone     = "none"
	ValidationLevelBasic    = "basic"
	ValidationLevelStandard = "standard"
	ValidationLevelStrict   = "strict"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server" envPrefix:"SERVER_"`
	Storage       StorageConfig       `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Security      SecurityConfig      `yaml:"security" json:"security" envPrefix:"SECURITY_"`
	Registration  RegistrationConfig  `yaml:"registration" json:"registration" envPrefix:"REGISTRATION_"`
	Exchange      ExchangeConfig      `yaml:"exchange" json:"exchange" envPrefix:"EXCHANGE_"`
	Verification  VerificationConfig  `yaml:"verification" json:"verification" envPrefix:"VERIFICATION_"`
	Limits        LimitsConfig        `yaml:"limits" json:"limits" envPrefix:"LIMITS_"`
	Abuse         AbuseConfig         `yaml:"abuse" json:"abuse" envPrefix:"ABUSE_"`
	Updates       UpdatesConfig       `yaml:"updates" json:"updates" envPrefix:"UPDATES_"`
	Counters      CounterConfig       `yaml:"counters" json:"counters" envPrefix:"COUNTERS_"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging" envPrefix:"LOG_"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" envPrefix:"OTEL_"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" json:"port" env:"PORT"`
	Host              string        `yaml:"host" json:"host" env:"HOST"`
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
	TLSEnabled        bool          `yaml:"tls_enabled" json:"tls_enabled" env:"TLS_ENABLED"`
	TLSCertFile       string        `yaml:"tls_cert_file" json:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile        string        `yaml:"tls_key_file" json:"tls_key_file" env:"TLS_KEY_FILE"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" json:"max_body_bytes" env:"MAX_BODY_BYTES"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers" json:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"` // honour X-Forwarded-For / X-Real-IP
	PublicBaseURL     string        `yaml:"public_base_url" json:"public_base_url" env:"PUBLIC_BASE_URL"`             // advertised in exchange responses
}

type StorageConfig struct {
	Type     string        `yaml:"type" json:"type" env:"TYPE"`
	DSN      string        `yaml:"dsn" json:"dsn" env:"DSN"`                // sqlite path or postgres URL
	Table    string        `yaml:"table" json:"table" env:"TABLE"`          // dynamodb table name
	Region   string        `yaml:"region" json:"region" env:"REGION"`       // dynamodb region
	Endpoint string        `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"` // dynamodb endpoint override (local testing)
	MaxConns int32         `yaml:"max_conns" json:"max_conns" env:"MAX_CONNS"`
	Retry    RetryConfig   `yaml:"retry" json:"retry" envPrefix:"RETRY_"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"` // per store call

	PurgeInterval time.Duration `yaml:"purge_interval" json:"purge_interval" env:"PURGE_INTERVAL"` // expired row cleanup; 0 disables
}

// RetryConfig bounds the exponential backoff applied to transient store failures.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" env:"MAX_INTERVAL"`
}

type SecurityConfig struct {
	SigningSecret      string              `yaml:"signing_secret" json:"-" env:"SIGNING_SECRET"` // ownership proofs and download tokens
	APIKeySalt         string              `yaml:"api_key_salt" json:"-" env:"API_KEY_SALT"`
	BootstrapKey       string              `yaml:"bootstrap_key" json:"-" env:"BOOTSTRAP_KEY"` // admin API bearer key
	SignatureTolerance time.Duration       `yaml:"signature_tolerance" json:"signature_tolerance" env:"SIGNATURE_TOLERANCE"`
	RequireSignature   bool                `yaml:"require_signature" json:"require_signature" env:"REQUIRE_SIGNATURE"`
	EdgeRateLimit      EdgeRateLimitConfig `yaml:"edge_rate_limit" json:"edge_rate_limit" envPrefix:"EDGE_RATE_LIMIT_"`
}

// EdgeRateLimitConfig configures the in-process flood guard that runs before
// any store access. Quotas that matter are enforced by the bucketed limiter.
type EdgeRateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size" env:"BURST_SIZE"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

type RegistrationConfig struct {
	TempKeyTTL         time.Duration `yaml:"temp_key_ttl" json:"temp_key_ttl" env:"TEMP_KEY_TTL"`
	BlockedDomains     []string      `yaml:"blocked_domains" json:"blocked_domains" env:"BLOCKED_DOMAINS" envSeparator:","`
	BlockedSuffixes    []string      `yaml:"blocked_suffixes" json:"blocked_suffixes" env:"BLOCKED_SUFFIXES" envSeparator:","`
	ValidationLevel    string        `yaml:"validation_level" json:"validation_level" env:"VALIDATION_LEVEL"`
	ValidationCacheTTL time.Duration `yaml:"validation_cache_ttl" json:"validation_cache_ttl" env:"VALIDATION_CACHE_TTL"`
}

type ExchangeConfig struct {
	MaxFailures int           `yaml:"max_failures" json:"max_failures" env:"MAX_FAILURES"` // failed verifications before cooldown
	Cooldown    time.Duration `yaml:"cooldown" json:"cooldown" env:"COOLDOWN"`
}

type VerificationConfig struct {
	Timeout          time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" json:"max_body_bytes" env:"MAX_BODY_BYTES"`
	FileMaxAge       time.Duration `yaml:"file_max_age" json:"file_max_age" env:"FILE_MAX_AGE"`
	FetchesPerMinute int           `yaml:"fetches_per_minute" json:"fetches_per_minute" env:"FETCHES_PER_MINUTE"` // outbound, per domain
	AllowHTTP        bool          `yaml:"allow_http" json:"allow_http" env:"ALLOW_HTTP"`                         // development only
}

// WindowLimits holds per-window quotas. A zero value disables that window.
type WindowLimits struct {
	PerMinute int `yaml:"per_minute" json:"per_minute" env:"PER_MINUTE"`
	PerHour   int `yaml:"per_hour" json:"per_hour" env:"PER_HOUR"`
	PerDay    int `yaml:"per_day" json:"per_day" env:"PER_DAY"`
}

type LimitsConfig struct {
	BucketWidth  time.Duration `yaml:"bucket_width" json:"bucket_width" env:"BUCKET_WIDTH"`
	Registration WindowLimits  `yaml:"registration" json:"registration" envPrefix:"REGISTRATION_"`
	API          WindowLimits  `yaml:"api" json:"api" envPrefix:"API_"`
	Updates      WindowLimits  `yaml:"updates" json:"updates" envPrefix:"UPDATES_"`
}

type AbuseConfig struct {
	RegistrationAttempts int           `yaml:"registration_attempts" json:"registration_attempts" env:"REGISTRATION_ATTEMPTS"`
	RegistrationWindow   time.Duration `yaml:"registration_window" json:"registration_window" env:"REGISTRATION_WINDOW"`
	AuthFailuresPerHour  int           `yaml:"auth_failures_per_hour" json:"auth_failures_per_hour" env:"AUTH_FAILURES_PER_HOUR"`
	MaxRequestsPerSecond int           `yaml:"max_requests_per_second" json:"max_requests_per_second" env:"MAX_REQUESTS_PER_SECOND"`
	BurstBuckets         int           `yaml:"burst_buckets" json:"burst_buckets" env:"BURST_BUCKETS"`
	BlockTTL             time.Duration `yaml:"block_ttl" json:"block_ttl" env:"BLOCK_TTL"`
	RateLimitedEvents    int           `yaml:"rate_limited_events" json:"rate_limited_events" env:"RATE_LIMITED_EVENTS"` // denials per window before one is recorded as a security event
}

type UpdatesConfig struct {
	Source      string          `yaml:"source" json:"source" env:"SOURCE"`
	CacheTTL    time.Duration   `yaml:"cache_ttl" json:"cache_ttl" env:"CACHE_TTL"`
	TokenTTL    time.Duration   `yaml:"token_ttl" json:"token_ttl" env:"TOKEN_TTL"`
	CheckLogTTL time.Duration   `yaml:"check_log_ttl" json:"check_log_ttl" env:"CHECK_LOG_TTL"`
	S3          S3Config        `yaml:"s3" json:"s3" envPrefix:"S3_"`
	Releases    []PluginRelease `yaml:"releases" json:"releases"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket" json:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" json:"region" env:"REGION"`
	Prefix          string `yaml:"prefix" json:"prefix" env:"PREFIX"`
	Endpoint        string `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" json:"-" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-" env:"SECRET_ACCESS_KEY"`
	PackageName     string `yaml:"package_name" json:"package_name" env:"PACKAGE_NAME"`
}

// CounterConfig selects where rate-limit buckets are kept.
type CounterConfig struct {
	Backend string      `yaml:"backend" json:"backend" env:"BACKEND"`
	Redis   RedisConfig `yaml:"redis" json:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"ADDR"`
	Password string `yaml:"password" json:"-" env:"PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level" env:"LEVEL"`
	Format   string `yaml:"format" json:"format" env:"FORMAT"`
	Output   string `yaml:"output" json:"output" env:"OUTPUT"`
	FilePath string `yaml:"file_path" json:"file_path" env:"FILE_PATH"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" json:"path" env:"PATH"`
	Port    int    `yaml:"port" json:"port" env:"PORT"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing" envPrefix:"TRACING_"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Exporter     string  `yaml:"exporter" json:"exporter" env:"EXPORTER"` // stdout or otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultBlockedDomains are never accepted as tenants.
var DefaultBlockedDomains = []string{
	"localhost", "127.0.0.1", "test.com", "sample.com", "demo.com",
	"temp.com", "fake.com", "invalid.com", "null.com",
}

// DefaultBlockedSuffixes are reserved or non-routable TLDs.
var DefaultBlockedSuffixes = []string{".local", ".localhost", ".test", ".example", ".invalid", ".temp", ".internal"}

// NewDefaultConfig creates a configuration that runs a single node against
// the in-memory store. Secrets are left empty and must be supplied before
// Validate passes.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Storage: StorageConfig{
			Type:          StorageTypeMemory,
			Table:         "formbridge",
			MaxConns:      10,
			Timeout:       5 * time.Second,
			PurgeInterval: 10 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     time.Second,
			},
		},
		Security: SecurityConfig{
			SignatureTolerance: 300 * time.Second,
			EdgeRateLimit: EdgeRateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 600,
				BurstSize:         50,
				CleanupInterval:   5 * time.Minute,
			},
		},
		Registration: RegistrationConfig{
			TempKeyTTL:         time.Hour,
			BlockedDomains:     slices.Clone(DefaultBlockedDomains),
			BlockedSuffixes:    slices.Clone(DefaultBlockedSuffixes),
			ValidationLevel:    ValidationLevelNone,
			ValidationCacheTTL: 24 * time.Hour,
		},
		Exchange: ExchangeConfig{
			MaxFailures: 5,
			Cooldown:    15 * time.Minute,
		},
		Verification: VerificationConfig{
			Timeout:          10 * time.Second,
			MaxBodyBytes:     1 << 20,
			FileMaxAge:       time.Hour,
			FetchesPerMinute: 6,
		},
		Limits: LimitsConfig{
			BucketWidth:  time.Minute,
			Registration: WindowLimits{PerMinute: 10, PerHour: 30},
			API:          WindowLimits{PerMinute: 100, PerHour: 2000, PerDay: 10000},
			Updates:      WindowLimits{PerMinute: 10, PerHour: 100, PerDay: 500},
		},
		Abuse: AbuseConfig{
			RegistrationAttempts: 20,
			RegistrationWindow:   time.Hour,
			AuthFailuresPerHour:  50,
			MaxRequestsPerSecond: 20,
			BurstBuckets:         3,
			BlockTTL:             72 * time.Hour,
			RateLimitedEvents:    3,
		},
		Updates: UpdatesConfig{
			Source:      ReleaseSourceStatic,
			CacheTTL:    time.Hour,
			TokenTTL:    time.Hour,
			CheckLogTTL: 30 * 24 * time.Hour,
			S3: S3Config{
				Prefix:      "releases/",
				PackageName: "form-bridge.zip",
			},
		},
		Counters: CounterConfig{
			Backend: CounterBackendStore,
			Redis:   RedisConfig{PoolSize: 10},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "formbridge",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"storage", c.Storage.Validate},
		{"security", c.Security.Validate},
		{"registration", c.Registration.Validate},
		{"exchange", c.Exchange.Validate},
		{"verification", c.Verification.Validate},
		{"limits", c.Limits.Validate},
		{"abuse", c.Abuse.Validate},
		{"updates", c.Updates.Validate},
		{"counters", c.Counters.Validate},
		{"logging", c.Logging.Validate},
		{"metrics", c.Metrics.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("invalid %s config: %w", v.name, err)
		}
	}
	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}
	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if sc.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}
	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}
	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
	case StorageTypeSQLite, StorageTypePostgres:
		if stc.DSN == "" {
			return fmt.Errorf("dsn is required for %s storage", stc.Type)
		}
	case StorageTypeDynamoDB:
		if stc.Table == "" {
			return errors.New("table is required for dynamodb storage")
		}
		if stc.Region == "" {
			return errors.New("region is required for dynamodb storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
	if stc.Retry.MaxAttempts == 0 {
		return errors.New("retry max attempts must be at least 1")
	}
	if stc.Retry.InitialInterval <= 0 || stc.Retry.MaxInterval < stc.Retry.InitialInterval {
		return errors.New("retry intervals must be positive and max >= initial")
	}
	return nil
}

func (sec *SecurityConfig) Validate() error {
	if len(sec.SigningSecret) < 32 {
		return errors.New("signing secret must be at least 32 characters")
	}
	if len(sec.APIKeySalt) < 16 {
		return errors.New("api key salt must be at least 16 characters")
	}
	if sec.SignatureTolerance <= 0 {
		return errors.New("signature tolerance must be positive")
	}
	if sec.EdgeRateLimit.Enabled {
		if sec.EdgeRateLimit.RequestsPerMinute <= 0 || sec.EdgeRateLimit.BurstSize <= 0 {
			return errors.New("edge rate limit needs positive requests per minute and burst size")
		}
		if sec.EdgeRateLimit.CleanupInterval <= 0 {
			return errors.New("edge rate limit cleanup interval must be positive")
		}
	}
	return nil
}

func (rc *RegistrationConfig) Validate() error {
	if rc.TempKeyTTL <= 0 {
		return errors.New("temp key ttl must be positive")
	}
	switch rc.ValidationLevel {
	case ValidationLevelNone, ValidationLevelBasic, ValidationLevelStandard, ValidationLevelStrict:
	default:
		return fmt.Errorf("invalid validation level: %s", rc.ValidationLevel)
	}
	if rc.ValidationLevel != ValidationLevelNone && rc.ValidationCacheTTL <= 0 {
		return errors.New("validation cache ttl must be positive")
	}
	return nil
}

func (ec *ExchangeConfig) Validate() error {
	if ec.MaxFailures <= 0 {
		return errors.New("max failures must be positive")
	}
	if ec.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	return nil
}

func (vc *VerificationConfig) Validate() error {
	if vc.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if vc.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}
	if vc.FileMaxAge <= 0 {
		return errors.New("file max age must be positive")
	}
	if vc.FetchesPerMinute <= 0 {
		return errors.New("fetches per minute must be positive")
	}
	return nil
}

func (wl WindowLimits) validate() error {
	if wl.PerMinute < 0 || wl.PerHour < 0 || wl.PerDay < 0 {
		return errors.New("limits cannot be negative")
	}
	return nil
}

func (lc *LimitsConfig) Validate() error {
	if lc.BucketWidth < time.Second {
		return errors.New("bucket width must be at least one second")
	}
	if time.Minute%lc.BucketWidth != 0 && lc.BucketWidth%time.Minute != 0 {
		return errors.New("bucket width must divide a minute or be a whole number of minutes")
	}
	for name, wl := range map[string]WindowLimits{"registration": lc.Registration, "api": lc.API, "updates": lc.Updates} {
		if err := wl.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (ac *AbuseConfig) Validate() error {
	if ac.RegistrationAttempts <= 0 || ac.AuthFailuresPerHour <= 0 || ac.MaxRequestsPerSecond <= 0 {
		return errors.New("abuse thresholds must be positive")
	}
	if ac.RegistrationWindow <= 0 {
		return errors.New("registration window must be positive")
	}
	if ac.BurstBuckets <= 0 {
		return errors.New("burst buckets must be positive")
	}
	if ac.BlockTTL < 24*time.Hour {
		return errors.New("block ttl must be at least one day")
	}
	if ac.RateLimitedEvents <= 0 {
		return errors.New("rate limited events must be positive")
	}
	return nil
}

func (uc *UpdatesConfig) Validate() error {
	switch uc.Source {
	case ReleaseSourceStatic:
	case ReleaseSourceS3:
		if uc.S3.Bucket == "" || uc.S3.Region == "" {
			return errors.New("s3 bucket and region are required for the s3 release source")
		}
	default:
		return fmt.Errorf("invalid release source: %s", uc.Source)
	}
	if uc.CacheTTL <= 0 || uc.TokenTTL <= 0 || uc.CheckLogTTL <= 0 {
		return errors.New("update ttls must be positive")
	}
	for i := range uc.Releases {
		if err := uc.Releases[i].Validate(); err != nil {
			return fmt.Errorf("release %d: %w", i, err)
		}
	}
	return nil
}

func (cc *CounterConfig) Validate() error {
	switch cc.Backend {
	case CounterBackendStore:
	case CounterBackendRedis:
		if cc.Redis.Addr == "" {
			return errors.New("redis address is required for the redis counter backend")
		}
	default:
		return fmt.Errorf("invalid counter backend: %s", cc.Backend)
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}
	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}
	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}
	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}
	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}
	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}
	return nil
}
