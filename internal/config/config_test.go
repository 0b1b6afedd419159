package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgallion1/clinfacts/internal/llm"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.ChunkSize != 20000 || cfg.Pipeline.BatchSize != 500 {
		t.Errorf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.DedupMaxIter != 3 || cfg.Pipeline.DedupThreshold != 5 || cfg.Pipeline.ShuffleSeed != 42 {
		t.Errorf("unexpected dedup defaults %+v", cfg.Pipeline)
	}
	if cfg.LLM.Provider != llm.ProviderAnthropic || cfg.LLM.MaxAttempts != llm.DefaultMaxAttempts {
		t.Errorf("unexpected llm defaults %+v", cfg.LLM)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinfacts.yaml")
	yaml := `llm:
  provider: gemini
  gemini_model: gemini-2.5-pro
  timeout: 90s
pipeline:
  batch_size: 100
  dedup_threshold: 2
sqlite_path: /var/lib/clinfacts/ledger.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("SHUFFLE_SEED", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.GeminiModel != "gemini-2.5-pro" || cfg.LLM.Timeout != 90*time.Second {
		t.Errorf("yaml values not applied: %+v", cfg.LLM)
	}
	if cfg.Pipeline.BatchSize != 250 {
		t.Errorf("expected env to override yaml batch size, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.DedupThreshold != 2 || cfg.Pipeline.ChunkSize != 20000 {
		t.Errorf("expected yaml and default values to survive, got %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.ShuffleSeed != 7 {
		t.Errorf("expected seed 7, got %d", cfg.Pipeline.ShuffleSeed)
	}
	lc := cfg.LLMConfig()
	if lc.APIKey != "g-key" || lc.Model != "gemini-2.5-pro" {
		t.Errorf("unexpected llm config %+v", lc)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_UnknownYAMLField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("pipeline:\n  batchsize: 3\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingYAML(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("DEDUP_WORKERS", "lots")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.DedupWorkers != 12 {
		t.Errorf("expected default workers, got %d", cfg.Pipeline.DedupWorkers)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.LLM.AnthropicAPIKey = "a-key"
		return c
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing key", func(c *Config) { c.LLM.AnthropicAPIKey = "" }, "ANTHROPIC_API_KEY"},
		{"gemini without key", func(c *Config) { c.LLM.Provider = "gemini" }, "GEMINI_API_KEY"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "openai" }, "Provider"},
		{"zero chunk", func(c *Config) { c.Pipeline.ChunkSize = 0 }, "ChunkSize"},
		{"too many workers", func(c *Config) { c.Pipeline.ExtractWorkers = 1000 }, "ExtractWorkers"},
		{"bad port", func(c *Config) { c.Server.Port = "http" }, "Port"},
		{"pathstore without key", func(c *Config) { c.Pathstore.URL = "http://localhost:8080" }, "PATHSTORE_API_KEY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	c := Default()
	c.LLM.AnthropicAPIKey = "a-key"
	if err := c.ValidateServer(); err == nil || !strings.Contains(err.Error(), "API_KEY") {
		t.Fatalf("expected API_KEY error, got %v", err)
	}
	c.Server.APIKey = "s"
	if err := c.ValidateServer(); err == nil || !strings.Contains(err.Error(), "OUTPUT_DIR") {
		t.Fatalf("expected OUTPUT_DIR error, got %v", err)
	}
	c.OutputDir = t.TempDir()
	if err := c.ValidateServer(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinfacts.yaml")
	if err := os.WriteFile(path, []byte("pipeline:\n  chunk_size: 8000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLINFACTS_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.ChunkSize != 8000 {
		t.Errorf("expected chunk size from CLINFACTS_CONFIG, got %d", cfg.Pipeline.ChunkSize)
	}
}
