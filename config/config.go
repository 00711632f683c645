// Package config loads Argus settings from config.yaml, ARGUS_* environment
// variables and the configured secret store.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"argus/core"
	"argus/correlate"
	"argus/detect"
	"argus/execution"
	"argus/notify"
	"argus/registry"
	"argus/threat"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ARGUS"

// DataPaths holds data directory and file locations
type DataPaths struct {
	// DataDir is the base data directory (ARGUS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the database file (ARGUS_SQLITE_PATH, default: ${DataDir}/argus.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// OrchestratorConfig configures execution scheduling and the remote surface
type OrchestratorConfig struct {
	execution.Config `mapstructure:",squash"`

	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	CancelAckTimeout time.Duration `mapstructure:"cancel_ack_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// AgentsConfig configures the NATS transport to remote agents
type AgentsConfig struct {
	Enabled        bool                      `mapstructure:"enabled"`
	URL            string                    `mapstructure:"url"`
	Token          string                    `mapstructure:"token"`
	Username       string                    `mapstructure:"username"`
	Password       string                    `mapstructure:"password"`
	MaxReconnects  int                       `mapstructure:"max_reconnects"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// DetectConfig configures rule loading and evaluation
type DetectConfig struct {
	detect.Config `mapstructure:",squash"`

	RulesPath      string        `mapstructure:"rules_path"`
	Watch          bool          `mapstructure:"watch"`
	ReloadDebounce time.Duration `mapstructure:"reload_debounce"`
}

// EnrichmentConfig configures indicator enrichment
type EnrichmentConfig struct {
	threat.EnricherConfig `mapstructure:",squash"`

	Enabled   bool                        `mapstructure:"enabled"`
	LRUSize   int                         `mapstructure:"lru_size"`
	LRUTTL    time.Duration               `mapstructure:"lru_ttl"`
	Redis     RedisCacheConfig            `mapstructure:"redis"`
	Providers []threat.HTTPProviderConfig `mapstructure:"providers"`
}

// RedisCacheConfig enables the shared Redis enrichment cache
type RedisCacheConfig struct {
	threat.RedisConfig `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

// NotifyConfig configures case-service notification sinks
type NotifyConfig struct {
	notify.Config `mapstructure:",squash"`

	Webhooks []notify.WebhookConfig `mapstructure:"webhooks"`
	Kafka    KafkaSinkConfig        `mapstructure:"kafka"`
	NATS     NATSSinkConfig         `mapstructure:"nats"`
}

// KafkaSinkConfig enables the Kafka sink
type KafkaSinkConfig struct {
	notify.KafkaConfig `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

// NATSSinkConfig enables the NATS sink
type NATSSinkConfig struct {
	notify.NATSConfig `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	BodyLimit      int64         `mapstructure:"body_limit"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RateLimit      struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

// Addr returns the listen address
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// SecretsConfig selects and configures the secret store
type SecretsConfig struct {
	Provider string `mapstructure:"provider"` // env, vault, aws
	Vault    struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		SecretID  string `mapstructure:"secret_id"`
		// Endpoint overrides the Secrets Manager endpoint (LocalStack, VPC endpoints)
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"aws"`
}

// Config holds all configuration for the Argus service
type Config struct {
	LogLevel     string             `mapstructure:"log_level"`
	DataPaths    DataPaths          `mapstructure:"data_paths"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Tools        []registry.Tool    `mapstructure:"tools"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Detect       DetectConfig       `mapstructure:"detect"`
	Correlation  correlate.Config   `mapstructure:"correlation"`
	Enrichment   EnrichmentConfig   `mapstructure:"enrichment"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	API          APIConfig          `mapstructure:"api"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	exec := execution.DefaultConfig()
	v.SetDefault("orchestrator.default_max_concurrent", exec.DefaultMaxConcurrent)
	v.SetDefault("orchestrator.kill_grace_period", exec.KillGracePeriod)
	v.SetDefault("orchestrator.start_retry_backoff", exec.StartRetryBackoff)
	v.SetDefault("orchestrator.max_output_lines", exec.MaxOutputLines)
	v.SetDefault("orchestrator.retain_completed", exec.RetainCompleted)
	v.SetDefault("orchestrator.janitor_interval", exec.JanitorInterval)
	v.SetDefault("orchestrator.heartbeat_timeout", 30*time.Second)
	v.SetDefault("orchestrator.cancel_ack_timeout", 10*time.Second)
	v.SetDefault("orchestrator.shutdown_timeout", 30*time.Second)

	v.SetDefault("agents.enabled", false)
	v.SetDefault("agents.url", "nats://127.0.0.1:4222")
	v.SetDefault("agents.max_reconnects", 60)
	cb := core.DefaultCircuitBreakerConfig()
	v.SetDefault("agents.circuit_breaker.max_failures", cb.MaxFailures)
	v.SetDefault("agents.circuit_breaker.timeout", cb.Timeout)
	v.SetDefault("agents.circuit_breaker.max_half_open_requests", cb.MaxHalfOpenRequests)

	v.SetDefault("detect.rules_path", "./rules")
	v.SetDefault("detect.watch", true)
	v.SetDefault("detect.reload_debounce", detect.DefaultReloadDebounce)
	v.SetDefault("detect.regex_timeout", detect.DefaultRegexTimeout)

	corr := correlate.DefaultConfig()
	v.SetDefault("correlation.dedup_bucket", corr.DedupBucket)
	v.SetDefault("correlation.sweep_interval", corr.SweepInterval)
	v.SetDefault("correlation.indicator_confidence", corr.IndicatorConfidence)

	v.SetDefault("enrichment.enabled", false)
	v.SetDefault("enrichment.workers", 4)
	v.SetDefault("enrichment.queue_size", 1000)
	v.SetDefault("enrichment.request_timeout", 10*time.Second)
	v.SetDefault("enrichment.lru_size", 10000)
	v.SetDefault("enrichment.lru_ttl", time.Hour)
	v.SetDefault("enrichment.redis.enabled", false)
	v.SetDefault("enrichment.redis.addr", "127.0.0.1:6379")
	v.SetDefault("enrichment.redis.db", 0)
	v.SetDefault("enrichment.redis.pool_size", 10)
	v.SetDefault("enrichment.redis.ttl", 24*time.Hour)

	nd := notify.DefaultConfig()
	v.SetDefault("notify.send_timeout", nd.SendTimeout)
	v.SetDefault("notify.circuit_breaker.max_failures", nd.CircuitBreaker.MaxFailures)
	v.SetDefault("notify.circuit_breaker.timeout", nd.CircuitBreaker.Timeout)
	v.SetDefault("notify.circuit_breaker.max_half_open_requests", nd.CircuitBreaker.MaxHalfOpenRequests)
	v.SetDefault("notify.kafka.enabled", false)
	v.SetDefault("notify.kafka.topic", "argus.executions")
	v.SetDefault("notify.nats.enabled", false)
	v.SetDefault("notify.nats.subject_prefix", notify.DefaultNATSSubjectPrefix)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8090)
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.body_limit", 1<<20) // 1MB
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 0) // output streams are long lived
	v.SetDefault("api.rate_limit.requests_per_second", 50)
	v.SetDefault("api.rate_limit.burst", 100)

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.path", "secret/argus")
	v.SetDefault("secrets.aws.secret_id", "argus/secrets")
}

func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("log_level", "ARGUS_LOG_LEVEL")
	_ = v.BindEnv("data_paths.data_dir", "ARGUS_DATA_DIR")
	_ = v.BindEnv("data_paths.sqlite_path", "ARGUS_SQLITE_PATH")
	_ = v.BindEnv("detect.rules_path", "ARGUS_RULES_PATH")
}

// LoadConfig reads configFile, or config.yaml from . and ./config when
// configFile is empty. A missing default file is not an error.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolveDataPaths()
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "argus.db")
	} else if c.DataPaths.SQLitePath != ":memory:" {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
	c.DataPaths.DataDir = dataDir
}

// Level returns the configured log level
func (c *Config) Level() zapcore.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

func validateConfig(config *Config) error {
	if _, err := parseLevel(config.LogLevel); err != nil {
		return err
	}

	o := config.Orchestrator
	if o.DefaultMaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.default_max_concurrent must be positive, got %d", o.DefaultMaxConcurrent)
	}
	if o.MaxOutputLines < 1 {
		return fmt.Errorf("orchestrator.max_output_lines must be positive, got %d", o.MaxOutputLines)
	}
	if o.KillGracePeriod < 0 || o.HeartbeatTimeout <= 0 || o.CancelAckTimeout <= 0 {
		return fmt.Errorf("orchestrator timeouts must be positive")
	}

	seen := make(map[string]bool, len(config.Tools))
	for i, t := range config.Tools {
		if t.ID == "" {
			return fmt.Errorf("tools[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tools[%d]: duplicate tool id %q", i, t.ID)
		}
		seen[t.ID] = true
	}

	if config.Agents.Enabled {
		if err := validateURL("agents.url", config.Agents.URL, "nats", "tls"); err != nil {
			return err
		}
	}

	if config.Detect.RulesPath == "" {
		return fmt.Errorf("detect.rules_path cannot be empty")
	}
	if config.Detect.RegexTimeout < time.Millisecond || config.Detect.RegexTimeout > 5*time.Second {
		return fmt.Errorf("detect.regex_timeout must be between 1ms and 5s, got %v", config.Detect.RegexTimeout)
	}

	if config.Correlation.DedupBucket <= 0 {
		return fmt.Errorf("correlation.dedup_bucket must be positive, got %v", config.Correlation.DedupBucket)
	}
	for sev, conf := range config.Correlation.IndicatorConfidence {
		if s, ok := core.ParseSeverity(sev); !ok || string(s) != sev {
			return fmt.Errorf("correlation.indicator_confidence: unknown severity %q", sev)
		}
		if conf < 0 || conf > 100 {
			return fmt.Errorf("correlation.indicator_confidence.%s must be between 0 and 100, got %g", sev, conf)
		}
	}

	if config.Enrichment.Enabled {
		names := make(map[string]bool)
		for i, p := range config.Enrichment.Providers {
			if p.Name == "" {
				return fmt.Errorf("enrichment.providers[%d]: name is required", i)
			}
			if names[p.Name] {
				return fmt.Errorf("enrichment.providers[%d]: duplicate provider %q", i, p.Name)
			}
			names[p.Name] = true
			if p.URL == "" {
				return fmt.Errorf("enrichment.providers[%d]: url is required", i)
			}
		}
		if config.Enrichment.Redis.Enabled && config.Enrichment.Redis.Addr == "" {
			return fmt.Errorf("enrichment.redis.addr cannot be empty when redis is enabled")
		}
	}

	for i, w := range config.Notify.Webhooks {
		if err := validateURL(fmt.Sprintf("notify.webhooks[%d].url", i), w.URL, "http", "https"); err != nil {
			return err
		}
	}
	if config.Notify.Kafka.Enabled {
		if len(config.Notify.Kafka.Brokers) == 0 || config.Notify.Kafka.Topic == "" {
			return fmt.Errorf("notify.kafka requires brokers and topic when enabled")
		}
	}
	if config.Notify.NATS.Enabled {
		if err := validateURL("notify.nats.url", config.Notify.NATS.URL, "nats", "tls"); err != nil {
			return err
		}
	}

	if config.API.Enabled {
		if config.API.Port < 1 || config.API.Port > 65535 {
			return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
		}
		if config.API.RateLimit.RequestsPerSecond <= 0 || config.API.RateLimit.Burst < 1 {
			return fmt.Errorf("api.rate_limit requires positive requests_per_second and burst")
		}
	}

	switch config.Secrets.Provider {
	case "", "env":
	case "vault":
		if config.Secrets.Vault.Address == "" {
			return fmt.Errorf("secrets.vault.address is required for the vault provider")
		}
	case "aws":
		if config.Secrets.AWS.Region == "" {
			return fmt.Errorf("secrets.aws.region is required for the aws provider")
		}
	default:
		return fmt.Errorf("unsupported secret provider: %s", config.Secrets.Provider)
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid %s: missing host", field)
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: scheme must be one of %s", field, strings.Join(schemes, ", "))
}
