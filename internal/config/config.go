// Package config provides configuration management for the literature pipeline.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Queue backends.
const (
	QueueBackendMemory = "memory"
	QueueBackendKafka  = "kafka"
)

// Config holds all configuration for the literature pipeline.
type Config struct {
	// Server contains HTTP/gRPC server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Queue selects and configures the durable job queue.
	Queue QueueConfig `mapstructure:"queue"`
	// Redis contains the embedding text cache connection.
	Redis RedisConfig `mapstructure:"redis"`
	// PaperSources contains bibliographic source API configurations.
	PaperSources PaperSourcesConfig `mapstructure:"paper_sources"`
	// Embedding contains the embedding API client and worker settings.
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	// Translation contains the translation post-processing settings.
	Translation TranslationConfig `mapstructure:"translation"`
	// Qdrant contains the similarity index settings.
	Qdrant QdrantConfig `mapstructure:"qdrant"`
	// Jobs contains job engine policy.
	Jobs JobsConfig `mapstructure:"jobs"`
	// Search contains search orchestrator policy.
	Search SearchConfig `mapstructure:"search"`
	// Expansion contains graph expansion worker settings.
	Expansion ExpansionConfig `mapstructure:"expansion"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort is the gRPC health server port (default: 9090).
	GRPCPort int `mapstructure:"grpc_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	// Searches run synchronously, so this bounds the longest search.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	// Password is loaded from LITPIPE_DATABASE_PASSWORD only.
	Password string `mapstructure:"-"`
	Name     string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode                string        `mapstructure:"ssl_mode"`
	MaxConns               int32         `mapstructure:"max_conns"`
	MinConns               int32         `mapstructure:"min_conns"`
	MaxConnLifetime        time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime        time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod      time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	MigrationPath          string        `mapstructure:"migration_path"`
	MigrationAutoRun       bool          `mapstructure:"migration_auto_run"`
	StatementCacheCapacity int           `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// QueueConfig selects the job queue implementation.
type QueueConfig struct {
	// Backend is "memory" (in-process channel) or "kafka".
	Backend string `mapstructure:"backend"`
	// Buffer is the channel capacity of the memory queue.
	Buffer int `mapstructure:"buffer"`
	// Kafka contains broker settings for the kafka backend.
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig holds Kafka settings for the job queue.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// GroupID is the consumer group shared by all job workers.
	GroupID      string        `mapstructure:"group_id"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// RedisConfig holds the embedding cache connection settings.
type RedisConfig struct {
	// Enabled selects Redis for the text embedding cache; otherwise an in-memory cache is used.
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	// Password is loaded from LITPIPE_REDIS_PASSWORD only.
	Password    string        `mapstructure:"-"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// PaperSourcesConfig holds configuration for all bibliographic source APIs.
type PaperSourcesConfig struct {
	// PubMed is both a search source and the reference/citation lookup API.
	PubMed PaperSourceConfig `mapstructure:"pubmed"`
	// OpenAlex is a search source and the cross-reference enrichment API.
	OpenAlex PaperSourceConfig `mapstructure:"openalex"`
}

// PaperSourceConfig holds configuration for a single source API.
type PaperSourceConfig struct {
	// Enabled controls whether this source is used.
	Enabled bool `mapstructure:"enabled"`
	// APIKey is loaded from the environment, e.g. LITPIPE_PAPER_SOURCES_PUBMED_API_KEY.
	APIKey  string        `mapstructure:"-"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second without an API key.
	RateLimit float64 `mapstructure:"rate_limit"`
	// KeyedRateLimit is the maximum requests per second when an API key is set.
	KeyedRateLimit float64 `mapstructure:"keyed_rate_limit"`
	// MaxResults is the maximum results the source returns per page.
	MaxResults int `mapstructure:"max_results"`
	// Email is sent to sources that ask for a contact address (NCBI tool/email, OpenAlex mailto).
	Email string `mapstructure:"email"`
}

// EffectiveRateLimit returns the request rate to use for the source, which depends on
// whether an API key is configured.
func (c PaperSourceConfig) EffectiveRateLimit() float64 {
	if c.APIKey != "" && c.KeyedRateLimit > 0 {
		return c.KeyedRateLimit
	}
	return c.RateLimit
}

// EmbeddingConfig holds the embedding API client and the embedding worker policy.
type EmbeddingConfig struct {
	// APIKey is loaded from LITPIPE_EMBEDDING_API_KEY only.
	APIKey     string        `mapstructure:"-"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	// MaxPerJob caps the missing set processed by one job.
	MaxPerJob int `mapstructure:"max_per_job"`
	// DelayEvery inserts Delay after this many items.
	DelayEvery int           `mapstructure:"delay_every"`
	Delay      time.Duration `mapstructure:"delay"`
	// CacheTTL is the lifetime of cached text embeddings.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// CacheSize bounds the in-memory cache used when Redis is disabled.
	CacheSize int `mapstructure:"cache_size"`
}

// TranslationConfig holds translation post-processing settings.
type TranslationConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TargetLanguage string        `mapstructure:"target_language"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// QdrantConfig holds similarity index settings.
type QdrantConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Address is the Qdrant gRPC address.
	Address        string `mapstructure:"address"`
	CollectionName string `mapstructure:"collection_name"`
	// VectorSize is the embedding dimension (must match the embedding model).
	VectorSize uint64 `mapstructure:"vector_size"`
	// TopK is the default number of similar articles returned.
	TopK uint64 `mapstructure:"top_k"`
}

// JobsConfig holds job engine policy.
type JobsConfig struct {
	// Workers is the number of runner goroutines pulling from the queue.
	Workers int `mapstructure:"workers"`
	// StallThreshold is how long a running job may go without progress before a
	// status read cancels it.
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
}

// SearchConfig holds search orchestrator policy.
type SearchConfig struct {
	DefaultMaxResults int `mapstructure:"default_max_results"`
	MaxResultsLimit   int `mapstructure:"max_results_limit"`
	// MaxFetchPerSource bounds the records one sub-search pulls from a source.
	MaxFetchPerSource int             `mapstructure:"max_fetch_per_source"`
	Inflation         InflationConfig `mapstructure:"inflation"`
}

// InflationConfig controls the multiplier applied to each source request.
type InflationConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
	// Step is the number of existing project articles per +1 multiplier.
	Step int `mapstructure:"step"`
}

// ExpansionConfig holds graph expansion worker settings.
type ExpansionConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	// MaxNeighbors caps the number of neighbor records fetched per job.
	MaxNeighbors int `mapstructure:"max_neighbors"`
	// FetchChunk is the number of ids per metadata request.
	FetchChunk int `mapstructure:"fetch_chunk"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// GRPCAddress returns the gRPC server address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LITPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/literature-pipeline")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv("LITPIPE_DATABASE_PASSWORD")
	cfg.Redis.Password = os.Getenv("LITPIPE_REDIS_PASSWORD")
	cfg.Embedding.APIKey = os.Getenv("LITPIPE_EMBEDDING_API_KEY")
	cfg.PaperSources.PubMed.APIKey = os.Getenv("LITPIPE_PAPER_SOURCES_PUBMED_API_KEY")
	cfg.PaperSources.OpenAlex.APIKey = os.Getenv("LITPIPE_PAPER_SOURCES_OPENALEX_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "3m")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "litpipe")
	v.SetDefault("database.name", "literature_pipeline")
	// Use LITPIPE_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "litpipe")

	v.SetDefault("queue.backend", QueueBackendMemory)
	v.SetDefault("queue.buffer", 64)
	v.SetDefault("queue.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("queue.kafka.topic", "literature-pipeline.jobs")
	v.SetDefault("queue.kafka.group_id", "literature-pipeline-workers")
	v.SetDefault("queue.kafka.batch_timeout", "10ms")
	v.SetDefault("queue.kafka.max_wait", "1s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "litpipe:emb:")
	v.SetDefault("redis.dial_timeout", "5s")

	// NCBI allows 3 req/s without a key and 10 req/s with one.
	v.SetDefault("paper_sources.pubmed.enabled", true)
	v.SetDefault("paper_sources.pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("paper_sources.pubmed.timeout", "30s")
	v.SetDefault("paper_sources.pubmed.rate_limit", 3.0)
	v.SetDefault("paper_sources.pubmed.keyed_rate_limit", 10.0)
	v.SetDefault("paper_sources.pubmed.max_results", 200)
	v.SetDefault("paper_sources.pubmed.email", "")

	v.SetDefault("paper_sources.openalex.enabled", true)
	v.SetDefault("paper_sources.openalex.base_url", "https://api.openalex.org")
	v.SetDefault("paper_sources.openalex.timeout", "30s")
	v.SetDefault("paper_sources.openalex.rate_limit", 10.0)
	v.SetDefault("paper_sources.openalex.keyed_rate_limit", 10.0)
	v.SetDefault("paper_sources.openalex.max_results", 200)
	v.SetDefault("paper_sources.openalex.email", "")

	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.rate_limit", 5.0)
	v.SetDefault("embedding.max_per_job", 500)
	v.SetDefault("embedding.delay_every", 10)
	v.SetDefault("embedding.delay", "1s")
	v.SetDefault("embedding.cache_ttl", "720h")
	v.SetDefault("embedding.cache_size", 4096)

	v.SetDefault("translation.enabled", false)
	v.SetDefault("translation.target_language", "English")
	v.SetDefault("translation.model", "gpt-4o-mini")
	v.SetDefault("translation.timeout", "60s")

	v.SetDefault("qdrant.enabled", false)
	v.SetDefault("qdrant.address", "localhost:6334")
	v.SetDefault("qdrant.collection_name", "article_embeddings")
	v.SetDefault("qdrant.vector_size", 1536)
	v.SetDefault("qdrant.top_k", 10)

	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.stall_threshold", "60s")

	v.SetDefault("search.default_max_results", 50)
	v.SetDefault("search.max_results_limit", 500)
	v.SetDefault("search.max_fetch_per_source", 2000)
	v.SetDefault("search.inflation.min", 2)
	v.SetDefault("search.inflation.max", 5)
	v.SetDefault("search.inflation.step", 250)

	v.SetDefault("expansion.batch_size", 20)
	v.SetDefault("expansion.max_neighbors", 2000)
	v.SetDefault("expansion.fetch_chunk", 100)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Queue.Backend {
	case QueueBackendMemory:
		if c.Queue.Buffer <= 0 {
			return fmt.Errorf("queue buffer must be positive")
		}
	case QueueBackendKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka queue requires at least one broker")
		}
		if c.Queue.Kafka.Topic == "" || c.Queue.Kafka.GroupID == "" {
			return fmt.Errorf("kafka queue requires topic and group_id")
		}
	default:
		return fmt.Errorf("invalid queue backend: %q", c.Queue.Backend)
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs workers must be positive")
	}
	if c.Jobs.StallThreshold <= 0 {
		return fmt.Errorf("jobs stall_threshold must be positive")
	}

	inf := c.Search.Inflation
	if inf.Min < 1 || inf.Max < inf.Min {
		return fmt.Errorf("search inflation must satisfy 1 <= min (%d) <= max (%d)", inf.Min, inf.Max)
	}
	if inf.Step <= 0 {
		return fmt.Errorf("search inflation step must be positive")
	}
	if c.Search.DefaultMaxResults <= 0 || c.Search.DefaultMaxResults > c.Search.MaxResultsLimit {
		return fmt.Errorf("search default_max_results must be in (0, %d]", c.Search.MaxResultsLimit)
	}
	if c.Search.MaxFetchPerSource <= 0 {
		return fmt.Errorf("search max_fetch_per_source must be positive")
	}

	if c.Expansion.BatchSize <= 0 || c.Expansion.FetchChunk <= 0 {
		return fmt.Errorf("expansion batch_size and fetch_chunk must be positive")
	}

	if c.Embedding.MaxPerJob <= 0 {
		return fmt.Errorf("embedding max_per_job must be positive")
	}
	if c.Embedding.DelayEvery < 0 || c.Embedding.Delay < 0 {
		return fmt.Errorf("embedding delay settings must not be negative")
	}

	if c.Qdrant.Enabled && uint64(c.Embedding.Dimensions) != c.Qdrant.VectorSize {
		return fmt.Errorf("qdrant vector_size (%d) must match embedding dimensions (%d)",
			c.Qdrant.VectorSize, c.Embedding.Dimensions)
	}

	return nil
}
