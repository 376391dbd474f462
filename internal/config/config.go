// Package config loads service configuration. Values are layered: built-in
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/explain"
	"github.com/kshalu/fraudscope/internal/features"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/ratelimit"
)

const (
	// EnvPrefix prefixes every environment override. A double underscore
	// separates nesting levels: FRAUDSCOPE_AUDIT__CHAIN__STREAMS=8.
	EnvPrefix = "FRAUDSCOPE_"
	// FileEnv names the YAML file to load.
	FileEnv     = "FRAUDSCOPE_CONFIG"
	DefaultFile = "configs/config.yaml"
)

// Config holds all application configuration
type Config struct {
	Environment string `koanf:"environment"` // "development", "staging", "production"
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"` // "json" or "text"

	HTTP      HTTPConfig       `koanf:"http"`
	Model     ModelConfig      `koanf:"model"`
	Features  features.Config  `koanf:"features"`
	Explain   explain.Config   `koanf:"explain"`
	Policy    PolicyConfig     `koanf:"policy"`
	Pipeline  pipeline.Config  `koanf:"pipeline"`
	Audit     AuditConfig      `koanf:"audit"`
	Database  DatabaseConfig   `koanf:"database"`
	Redis     RedisConfig      `koanf:"redis"`
	SQS       SQSConfig        `koanf:"sqs"`
	RateLimit ratelimit.Config `koanf:"rate_limit"`
	Tracing   TracingConfig    `koanf:"tracing"`
}

type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	// AdminToken guards model activation. Empty disables the admin routes.
	AdminToken string `koanf:"admin_token"`
}

type ModelConfig struct {
	Dir     string `koanf:"dir"`
	Version string `koanf:"version"`
}

// PolicyConfig holds the active thresholds.
type PolicyConfig struct {
	Version          string  `koanf:"version"`
	ThresholdVersion string  `koanf:"threshold_version"`
	AllowBelow       float64 `koanf:"allow_below"`
	BlockAbove       float64 `koanf:"block_above"`
}

// Build returns the configured policy.
func (p PolicyConfig) Build() (*policy.Policy, error) {
	return policy.New(p.Version, policy.Thresholds{
		Version:    p.ThresholdVersion,
		AllowBelow: p.AllowBelow,
		BlockAbove: p.BlockAbove,
	})
}

type AuditConfig struct {
	Chain audit.Config `koanf:"chain"`
	// FallbackPath receives records the store could not accept.
	FallbackPath string `koanf:"fallback_path"`
	// HMACSecret signs each record. Empty leaves records unsigned.
	HMACSecret string `koanf:"hmac_secret"`
}

// DatabaseConfig points at the audit database. An empty URL keeps the
// audit chain in memory.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// RedisConfig points at the profile store. An empty URL keeps profiles in
// memory.
type RedisConfig struct {
	URL string        `koanf:"url"`
	TTL time.Duration `koanf:"ttl"`
}

type SQSConfig struct {
	QueueURL string `koanf:"queue_url"`
	Region   string `koanf:"region"`
	// Endpoint overrides the service endpoint, for LocalStack.
	Endpoint          string        `koanf:"endpoint"`
	AccessKeyID       string        `koanf:"access_key_id"`
	SecretAccessKey   string        `koanf:"secret_access_key"`
	Workers           int           `koanf:"workers"`
	MaxMessages       int32         `koanf:"max_messages"`
	WaitTime          time.Duration `koanf:"wait_time"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
}

type TracingConfig struct {
	// OTLPEndpoint enables tracing when set, e.g. "localhost:4317".
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "json",
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Model: ModelConfig{
			Dir:     "models",
			Version: "baseline-v1",
		},
		Features: features.DefaultConfig(),
		Explain: explain.Config{
			Samples:      64,
			Seed:         1,
			BenignCutoff: 0.05,
		},
		Policy: PolicyConfig{
			Version:          "policy-v1",
			ThresholdVersion: "t1",
			AllowBelow:       0.3,
			BlockAbove:       0.8,
		},
		Pipeline: pipeline.DefaultConfig(),
		Audit: AuditConfig{
			Chain:        audit.DefaultConfig(),
			FallbackPath: "audit-fallback.jsonl",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			TTL: 45 * 24 * time.Hour,
		},
		SQS: SQSConfig{
			Region:            "us-east-1",
			Workers:           4,
			MaxMessages:       10,
			WaitTime:          20 * time.Second,
			VisibilityTimeout: 30 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// aliases maps the unprefixed variables common in deployment manifests.
var aliases = map[string]string{
	"DATABASE_URL":  "database.url",
	"REDIS_URL":     "redis.url",
	"PORT":          "http.port",
	"LOG_LEVEL":     "log_level",
	"SQS_QUEUE_URL": "sqs.queue_url",
}

// Load reads configuration. A .env file is loaded first if present (for
// local development). The YAML file named by FRAUDSCOPE_CONFIG must exist
// when set; the default file is optional.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path, explicit := os.LookupEnv(FileEnv)
	if !explicit {
		path = DefaultFile
	}
	return load(path, explicit)
}

// LoadFile reads configuration from the given YAML file plus environment.
func LoadFile(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, required bool) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if required || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return aliases[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment aliases: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey turns FRAUDSCOPE_AUDIT__CHAIN__MAX_ATTEMPTS into
// audit.chain.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Model.Dir == "" || c.Model.Version == "" {
		errs = append(errs, errors.New("model.dir and model.version are required"))
	}
	if _, err := c.Policy.Build(); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.LatencyBudget <= 0 {
		errs = append(errs, errors.New("pipeline.latency_budget must be positive"))
	}
	f := c.Features
	if f.ShortWindow <= 0 || f.ShortWindow > f.DayWindow || f.DayWindow > f.LongWindow {
		errs = append(errs, errors.New("features windows must satisfy 0 < short <= day <= long"))
	}
	if f.Buckets <= 0 {
		errs = append(errs, errors.New("features.buckets must be positive"))
	}
	if c.Explain.BenignCutoff < 0 || c.Explain.BenignCutoff > 1 {
		errs = append(errs, errors.New("explain.benign_cutoff must be in [0,1]"))
	}
	a := c.Audit.Chain
	if a.Streams <= 0 {
		errs = append(errs, errors.New("audit.chain.streams must be positive"))
	}
	if a.MaxAttempts <= 0 {
		errs = append(errs, errors.New("audit.chain.max_attempts must be positive"))
	}
	if a.BaseDelay <= 0 || a.MaxDelay < a.BaseDelay {
		errs = append(errs, errors.New("audit.chain delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.SQS.QueueURL != "" && c.SQS.Workers <= 0 {
		errs = append(errs, errors.New("sqs.workers must be positive"))
	}
	if c.SQS.MaxMessages < 1 || c.SQS.MaxMessages > 10 {
		errs = append(errs, errors.New("sqs.max_messages must be in [1,10]"))
	}
	if !c.IsDevelopment() && c.Audit.FallbackPath == "" {
		errs = append(errs, errors.New("audit.fallback_path is required outside development"))
	}
	if c.IsProduction() && c.Audit.HMACSecret == "" {
		errs = append(errs, errors.New("audit.hmac_secret is required in production"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
