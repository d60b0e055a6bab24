// Package config loads service settings from an optional YAML file
// with RUNBOOKQA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/paymentops/runbookqa/internal/tracing"
)

type ServiceConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ModelConfig struct {
	Provider        string        `mapstructure:"provider"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	EmbedModel      string        `mapstructure:"embed_model"`
	ChatModel       string        `mapstructure:"chat_model"`
	Dimension       int           `mapstructure:"dimension"`
	AzureEndpoint   string        `mapstructure:"azure_endpoint"`
	AzureAPIVersion string        `mapstructure:"azure_api_version"`
	AWSRegion       string        `mapstructure:"aws_region"`
	EmbedTimeout    time.Duration `mapstructure:"embed_timeout"`
	ChatTimeout     time.Duration `mapstructure:"chat_timeout"`
}

type VectorConfig struct {
	Backend       string        `mapstructure:"backend"`
	Collection    string        `mapstructure:"collection"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	AzureEndpoint string        `mapstructure:"azure_endpoint"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	ChunkSize            int     `mapstructure:"chunk_size"`
	ChunkOverlap         int     `mapstructure:"chunk_overlap"`
	MaxChunksPerDocument int     `mapstructure:"max_chunks_per_document"`
	EmbeddingBatchSize   int     `mapstructure:"embedding_batch_size"`
	VectorStoreBatchSize int     `mapstructure:"vector_store_batch_size"`
	MaxFileSizeBytes     int64   `mapstructure:"max_file_size_bytes"`
	EmbedRatePerSec      float64 `mapstructure:"embed_rate_per_sec"`
	SamplesDir           string  `mapstructure:"samples_dir"`
}

type AskConfig struct {
	TopK              int     `mapstructure:"top_k"`
	MinScore          float64 `mapstructure:"min_score"`
	MaxQuestionLength int     `mapstructure:"max_question_length"`
	Temperature       float64 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
}

type GuardrailConfig struct {
	DictionaryPath string `mapstructure:"dictionary_path"`
}

// Settings is the full resolved configuration.
type Settings struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Model     ModelConfig     `mapstructure:"model"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Ask       AskConfig       `mapstructure:"ask"`
	Guardrail GuardrailConfig `mapstructure:"guardrail"`
}

// Load reads settings from CONFIG_PATH (or configs/runbookqa.yaml when
// present), applies defaults, then environment overrides such as
// RUNBOOKQA_MODEL_API_KEY.
func Load() (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNBOOKQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/runbookqa.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env cover everything.
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) && !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.admin_port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "runbookqa")

	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.embed_model", "text-embedding-3-small")
	v.SetDefault("model.chat_model", "gpt-4o-mini")
	v.SetDefault("model.dimension", 1536)
	v.SetDefault("model.embed_timeout", 5*time.Minute)
	v.SetDefault("model.chat_timeout", 2*time.Minute)

	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.collection", "runbook_chunks")
	v.SetDefault("vector.timeout", 2*time.Minute)

	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.chunk_overlap", 150)
	v.SetDefault("ingest.max_chunks_per_document", 5000)
	v.SetDefault("ingest.embedding_batch_size", 100)
	v.SetDefault("ingest.vector_store_batch_size", 50)
	v.SetDefault("ingest.max_file_size_bytes", 10<<20)
	v.SetDefault("ingest.embed_rate_per_sec", 0)
	v.SetDefault("ingest.samples_dir", "samples")

	v.SetDefault("ask.top_k", 5)
	v.SetDefault("ask.min_score", 0)
	v.SetDefault("ask.max_question_length", 2000)
	v.SetDefault("ask.temperature", 0.1)
	v.SetDefault("ask.max_tokens", 0)
}

// Validate rejects settings the pipeline cannot run with.
func (s *Settings) Validate() error {
	if s.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("config: ingest.chunk_size must be positive")
	}
	if s.Ingest.ChunkOverlap < 0 || s.Ingest.ChunkOverlap >= s.Ingest.ChunkSize {
		return fmt.Errorf("config: ingest.chunk_overlap must be in [0, chunk_size)")
	}
	if s.Model.Dimension <= 0 {
		return fmt.Errorf("config: model.dimension must be positive")
	}
	if s.Ask.Temperature > 0.1 {
		return fmt.Errorf("config: ask.temperature must not exceed 0.1")
	}
	return nil
}
