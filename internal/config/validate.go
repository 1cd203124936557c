package config

import (
	"errors"
	"fmt"
	"strings"
)

/*
Validate ensures all required fields are present before a process starts,
especially for enabled providers/features. This covers:
- Primary and vector database settings
- Redis (checkpoint store and task queue)
- Object storage credentials
- Embedding providers (openai, gemini fallback)
- Checkpoint TTLs
- Worker and chunking settings
*/

func (c *Config) Validate() error {
	// Database config
	if c.Database.Primary.Path == "" {
		return errors.New("database.primary.path is required")
	}
	if c.Database.Vector.DSN == "" {
		return errors.New("database.vector.dsn is required")
	}

	// Redis config
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}

	// Object storage config
	if c.Storage.Endpoint == "" {
		return errors.New("storage.endpoint is required")
	}
	if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
		return errors.New("storage.access_key and storage.secret_key are required (MINIO_ACCESS_KEY / MINIO_SECRET_KEY)")
	}

	// Embedding config
	if c.Embedding.Model == "" {
		return errors.New("embedding.model is required")
	}
	if c.Embedding.OpenaiApiKey == "" {
		return errors.New("embedding.openai_api_key is required (OPENAI_API_KEY)")
	}
	// The Gemini provider is optional; if a model is named it needs a key.
	if c.Embedding.GeminiModelName != "" && c.Embedding.GoogleApiKey == "" {
		return errors.New("embedding.google_api_key is required when embedding.gemini_model_name is set")
	}
	if c.Embedding.Dimension <= 0 {
		return errors.New("embedding.dimension must be a positive integer")
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		return errors.New("embedding.timeout_seconds must be a positive integer")
	}

	// Index config
	if c.Index.Prefix == "" {
		return errors.New("index.prefix is required")
	}
	if strings.ContainsAny(c.Index.Prefix, " \t\"") {
		return fmt.Errorf("index.prefix must not contain spaces or quotes, got %q", c.Index.Prefix)
	}

	// Checkpoint config
	if c.Checkpoint.FileContentTTL <= 0 || c.Checkpoint.ParseResultTTL <= 0 ||
		c.Checkpoint.BlockInfoTTL <= 0 || c.Checkpoint.ChunkResultTTL <= 0 {
		return errors.New("checkpoint TTLs must be positive integers")
	}

	// Chunking config
	if c.Chunking.Workers < 0 {
		return errors.New("chunking.workers must not be negative")
	}

	// Worker config
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	if len(c.Worker.Queues) == 0 {
		return errors.New("worker.queues must define at least one queue")
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}
	if c.Worker.MaxRetry < 0 {
		return errors.New("worker.max_retry must not be negative")
	}

	return nil
}
