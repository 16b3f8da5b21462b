package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"document-qa/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RAG.ChunkSize != defaultChunkSize || cfg.RAG.ChunkOverlap != defaultChunkOverlap {
		t.Fatalf("chunking defaults = %d/%d", cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	}
	if cfg.RAG.TopK != defaultTopK {
		t.Fatalf("top_k = %d", cfg.RAG.TopK)
	}
	if cfg.Storage.Backend != "file" || cfg.EmbedLLM.Provider != "ollama" {
		t.Fatalf("backend/provider defaults: %+v %+v", cfg.Storage, cfg.EmbedLLM)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_EMBED_MODEL", "nomic-embed-text")
	path := writeConfig(t, `
embed_llm:
  model: ${TEST_EMBED_MODEL}
rag:
  chunk_size: 300
  chunk_overlap: 30
  top_k: 2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EmbedLLM.Model != "nomic-embed-text" {
		t.Fatalf("model = %q", cfg.EmbedLLM.Model)
	}
	if cfg.RAG.ChunkSize != 300 || cfg.RAG.ChunkOverlap != 30 || cfg.RAG.TopK != 2 {
		t.Fatalf("rag = %+v", cfg.RAG)
	}
}

func TestLoadConfigKeepsZeroOverlap(t *testing.T) {
	path := writeConfig(t, "rag:\n  chunk_size: 500\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RAG.ChunkOverlap != 0 {
		t.Fatalf("overlap = %d, want 0", cfg.RAG.ChunkOverlap)
	}
}

func TestLoadConfigRejectsBadChunking(t *testing.T) {
	path := writeConfig(t, "rag:\n  chunk_size: 100\n  chunk_overlap: 100\n")
	_, err := LoadConfig(path)
	if !errors.Is(err, models.ErrChunking) {
		t.Fatalf("err = %v, want ErrChunking", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, false},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }, false},
		{"postgres with url", func(c *Config) { c.Storage.Backend = "postgres"; c.Database.URL = "postgres://x" }, true},
		{"short key", func(c *Config) { c.RAG.EncryptionKey = "abc" }, false},
		{"unknown splitter", func(c *Config) { c.RAG.Splitter = "sentence" }, false},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "bedrock" }, false},
		{"hash embeddings", func(c *Config) { c.EmbedLLM.Provider = "hash" }, true},
		{"hash answers", func(c *Config) { c.LLM.Provider = "hash" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
