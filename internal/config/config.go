package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"document-qa/internal/models"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	defaultTopK         = 3
	defaultModel        = "llama3"
	defaultOllamaURL    = "http://localhost:11434"
	defaultTimeoutSecs  = 120
	defaultStoragePath  = "./indexes"
	defaultAddr         = ":8000"
	defaultMaxUploadMB  = 32
)

type Config struct {
	LogLevel string         `yaml:"log_level"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	LLM      LLMConfig      `yaml:"llm"`
	RAG      RAGConfig      `yaml:"rag"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

// LLMConfig describes one model endpoint, either the embedding model or the answering model.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // ollama, openai; hash for embeddings only
	BaseURL     string  `yaml:"base_url"`
	Key         string  `yaml:"key"`
	Model       string  `yaml:"model"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Dimension   int     `yaml:"dimension"` // hash embedder only
}

// Timeout is the per-call deadline applied to the backend.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

type RAGConfig struct {
	ChunkSize        int    `yaml:"chunk_size"`
	ChunkOverlap     int    `yaml:"chunk_overlap"`
	Splitter         string `yaml:"splitter"` // window, recursive
	TopK             int    `yaml:"top_k"`
	Separator        string `yaml:"separator"`
	EmbedConcurrency int    `yaml:"embed_concurrency"`
	StagingDir       string `yaml:"staging_dir"`
	EncryptionKey    string `yaml:"encryption_key"`
	Compress         bool   `yaml:"compress"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // file, postgres, sqlite
	Path       string `yaml:"path"`
	SQLitePath string `yaml:"sqlite_path"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // pgdriver, pq
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr"`
	MaxUploadMB         int    `yaml:"max_upload_mb"`
	AllowOrigin         string `yaml:"allow_origin"`
	ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_secs"`
}

// LoadConfig reads a YAML config file, expanding ${VAR} references from the environment.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration for a local Ollama with a file-backed index store.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	applyLLMDefaults(&c.EmbedLLM)
	applyLLMDefaults(&c.LLM)
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 512
	}

	// chunk_overlap 0 is a valid setting, so only an unset chunk_size pulls in both defaults
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = defaultChunkSize
		if c.RAG.ChunkOverlap == 0 {
			c.RAG.ChunkOverlap = defaultChunkOverlap
		}
	}
	if c.RAG.Splitter == "" {
		c.RAG.Splitter = "window"
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = defaultTopK
	}
	if c.RAG.Separator == "" {
		c.RAG.Separator = models.ContextSeparator
	}
	if c.RAG.EmbedConcurrency == 0 {
		c.RAG.EmbedConcurrency = runtime.NumCPU()
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./indexes.db"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "pgdriver"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = defaultMaxUploadMB
	}
	if c.Server.ShutdownTimeoutSecs == 0 {
		c.Server.ShutdownTimeoutSecs = 10
	}
}

func applyLLMDefaults(c *LLMConfig) {
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.BaseURL == "" && c.Provider == "ollama" {
		c.BaseURL = defaultOllamaURL
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = defaultTimeoutSecs
	}
}

// Validate rejects settings that would fail later in the pipeline.
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 || c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", models.ErrChunking, c.RAG.ChunkSize, c.RAG.ChunkOverlap)
	}
	switch c.RAG.Splitter {
	case "window", "recursive":
	default:
		return fmt.Errorf("unknown splitter: %s", c.RAG.Splitter)
	}
	if c.RAG.TopK < 0 {
		return fmt.Errorf("top_k must not be negative: %d", c.RAG.TopK)
	}
	if n := len(c.RAG.EncryptionKey); n != 0 && n != 32 {
		return fmt.Errorf("encryption_key must be 32 bytes, got %d", n)
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.EmbedLLM.Provider {
	case "ollama", "openai", "hash":
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.EmbedLLM.Provider)
	}
	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown provider: %s", c.LLM.Provider)
	}
	return nil
}
