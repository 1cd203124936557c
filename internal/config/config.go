package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		Primary struct {
			Path string `mapstructure:"path"` // SQLite file holding documents/KBs/runs
		} `mapstructure:"primary"`
		Vector struct {
			DSN string `mapstructure:"dsn"` // Postgres DSN for the pgvector index
		} `mapstructure:"vector"`
	} `mapstructure:"database"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Storage struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		UseSSL    bool   `mapstructure:"use_ssl"`
	} `mapstructure:"storage"`

	Embedding struct {
		// Model may carry a "___vendor" suffix; the provider splits it off.
		Model            string `mapstructure:"model"`
		BaseURL          string `mapstructure:"base_url"`
		OpenaiApiKey     string `mapstructure:"openai_api_key"`
		GoogleApiKey     string `mapstructure:"google_api_key"`
		GeminiModelName  string `mapstructure:"gemini_model_name"`
		Dimension        int    `mapstructure:"dimension"`
		TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
		MaxAttempts      int    `mapstructure:"max_attempts"`
		RetryBaseDelayMs int    `mapstructure:"retry_base_delay_ms"`
	} `mapstructure:"embedding"`

	Extractor struct {
		// Endpoint of the external content extraction service. Empty means
		// only the built-in plain-text path is available.
		Endpoint       string `mapstructure:"endpoint"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"extractor"`

	Index struct {
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"index"`

	Checkpoint struct {
		// TTLs are in seconds.
		FileContentTTL int `mapstructure:"file_content_ttl"`
		ParseResultTTL int `mapstructure:"parse_result_ttl"`
		BlockInfoTTL   int `mapstructure:"block_info_ttl"`
		ChunkResultTTL int `mapstructure:"chunk_result_ttl"`
	} `mapstructure:"checkpoint"`

	Chunking struct {
		// Workers > 1 enables the bounded pool in the chunk processor.
		Workers int `mapstructure:"workers"`
	} `mapstructure:"chunking"`

	Worker struct {
		Concurrency        int            `mapstructure:"concurrency"`
		Queues             map[string]int `mapstructure:"queues"`
		MaxRetry           int            `mapstructure:"max_retry"`
		TaskTimeoutMinutes int            `mapstructure:"task_timeout_minutes"`
	} `mapstructure:"worker"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.docflow")

	viper.SetDefault("server.addr", "localhost")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("database.primary.path", "docflow.db")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("embedding.dimension", 1024)
	viper.SetDefault("embedding.timeout_seconds", 15)
	viper.SetDefault("embedding.max_attempts", 3)
	viper.SetDefault("embedding.retry_base_delay_ms", 250)
	viper.SetDefault("extractor.timeout_seconds", 300)
	viper.SetDefault("index.prefix", "docflow")
	viper.SetDefault("checkpoint.file_content_ttl", 3600)
	viper.SetDefault("checkpoint.parse_result_ttl", 7200)
	viper.SetDefault("checkpoint.block_info_ttl", 7200)
	viper.SetDefault("checkpoint.chunk_result_ttl", 7200)
	viper.SetDefault("chunking.workers", 1)
	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("worker.queues", map[string]int{"ingest": 10})
	viper.SetDefault("worker.max_retry", 0)
	viper.SetDefault("worker.task_timeout_minutes", 60)

	// Allow Viper to read environment variables
	viper.AutomaticEnv()

	// Explicit bindings so secrets can come from the environment without a
	// prefix or naming convention.
	viper.BindEnv("embedding.openai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("embedding.google_api_key", "GOOGLE_API_KEY")
	viper.BindEnv("storage.access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("storage.secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if the config file doesn't exist; defaults and env vars
		// may be enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// EmbedTimeout returns the per-call deadline for embedding requests.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutSeconds) * time.Second
}

// CheckpointTTLs returns the per-stage artifact TTLs in pipeline order:
// file_content, parse_result, block_info, chunk_result.
func (c *Config) CheckpointTTLs() (fileContent, parseResult, blockInfo, chunkResult time.Duration) {
	sec := func(v int) time.Duration { return time.Duration(v) * time.Second }
	return sec(c.Checkpoint.FileContentTTL),
		sec(c.Checkpoint.ParseResultTTL),
		sec(c.Checkpoint.BlockInfoTTL),
		sec(c.Checkpoint.ChunkResultTTL)
}
