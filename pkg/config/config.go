// Package config handles configuration for the lexpipe services
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for a lexpipe service
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DatabaseConfig contains Postgres connection settings
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxConns     int    `mapstructure:"max_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN builds the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.Username, d.Password, d.SSLMode)
}

// RedisConfig contains connection settings for the four logical databases.
// Each logical database points at its own DB index and fails independently
// of the others.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	CacheDB      int           `mapstructure:"cache_db"`
	BatchDB      int           `mapstructure:"batch_db"`
	MetricsDB    int           `mapstructure:"metrics_db"`
	RateLimitDB  int           `mapstructure:"rate_limit_db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MaxValueSize int           `mapstructure:"max_value_size"`
}

// AWSConfig contains AWS client settings shared by S3, SQS, Textract and Bedrock
type AWSConfig struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	S3Bucket     string `mapstructure:"s3_bucket"`
	BedrockModel string `mapstructure:"bedrock_model"`
}

// QueueConfig contains task queue settings
type QueueConfig struct {
	TaskQueueURL  string `mapstructure:"task_queue_url"`
	EventTopicURL string `mapstructure:"event_topic_url"`
	WaitSeconds   int32  `mapstructure:"wait_seconds"`
	MaxMessages   int32  `mapstructure:"max_messages"`
	Concurrency   int    `mapstructure:"concurrency"`
}

// PipelineConfig contains stage coordination settings
type PipelineConfig struct {
	StateTTL        time.Duration `mapstructure:"state_ttl"`
	ArtifactTTL     time.Duration `mapstructure:"artifact_ttl"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	OCRPollInterval time.Duration `mapstructure:"ocr_poll_interval"`
	OCRMaxPolls     int           `mapstructure:"ocr_max_polls"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	ChunkOverlap    int           `mapstructure:"chunk_overlap"`
}

// ExtractionConfig contains entity extraction collaborator settings
type ExtractionConfig struct {
	RateLimitRPM int           `mapstructure:"rate_limit_rpm"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ResolutionConfig selects how entity name variants are grouped
type ResolutionConfig struct {
	Method         string  `mapstructure:"method"` // "llm" or "fuzzy"
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
}

// Load loads configuration from config files and LEXPIPE_* environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("lexpipe")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/lexpipe")

	setDefaults(v)

	v.SetEnvPrefix("LEXPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env vars are enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.shutdown_timeout", 30*time.Second)
	v.SetDefault("service.log_level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "lexpipe")
	v.SetDefault("database.username", "lexpipe")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.cache_db", 0)
	v.SetDefault("redis.batch_db", 1)
	v.SetDefault("redis.metrics_db", 2)
	v.SetDefault("redis.rate_limit_db", 3)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_value_size", 10*1024*1024)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.bedrock_model", "anthropic.claude-3-haiku-20240307-v1:0")

	v.SetDefault("queue.wait_seconds", 10)
	v.SetDefault("queue.max_messages", 5)
	v.SetDefault("queue.concurrency", 8)

	v.SetDefault("pipeline.state_ttl", 24*time.Hour)
	v.SetDefault("pipeline.artifact_ttl", 48*time.Hour)
	v.SetDefault("pipeline.lock_timeout", 30*time.Second)
	v.SetDefault("pipeline.stage_timeout", 15*time.Minute)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.ocr_poll_interval", 10*time.Second)
	v.SetDefault("pipeline.ocr_max_polls", 90)
	v.SetDefault("pipeline.chunk_size", 500)
	v.SetDefault("pipeline.chunk_overlap", 50)

	v.SetDefault("extraction.rate_limit_rpm", 60)
	v.SetDefault("extraction.timeout", 60*time.Second)

	v.SetDefault("resolution.method", "fuzzy")
	v.SetDefault("resolution.fuzzy_threshold", 0.85)
}
