// Package config resolves settings from defaults, an optional YAML file, a
// .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dgallion1/clinfacts/internal/llm"
)

type LLM struct {
	Provider        string        `yaml:"provider" validate:"oneof=anthropic gemini"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	AnthropicModel  string        `yaml:"anthropic_model"`
	GeminiAPIKey    string        `yaml:"gemini_api_key"`
	GeminiModel     string        `yaml:"gemini_model"`
	BaseURL         string        `yaml:"base_url" validate:"omitempty,url"`
	MaxOutputTokens int           `yaml:"max_output_tokens" validate:"gte=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
}

type Pipeline struct {
	ChunkSize      int    `yaml:"chunk_size" validate:"gte=1"`
	BatchSize      int    `yaml:"batch_size" validate:"gte=1"`
	ExtractWorkers int    `yaml:"extract_workers" validate:"gte=1,lte=256"`
	DedupWorkers   int    `yaml:"dedup_workers" validate:"gte=1,lte=256"`
	DedupMaxIter   int    `yaml:"dedup_max_iter" validate:"gte=0"`
	DedupThreshold int    `yaml:"dedup_threshold"`
	ShuffleSeed    uint64 `yaml:"shuffle_seed"`
}

type Server struct {
	Port         string        `yaml:"port" validate:"required,numeric"`
	APIKey       string        `yaml:"api_key"`
	WorkerCount  int           `yaml:"worker_count" validate:"gte=1"`
	MaxQueueSize int           `yaml:"max_queue_size" validate:"gte=1"`
	JobTTL       time.Duration `yaml:"job_ttl" validate:"gt=0"`
}

type Pathstore struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	APIKey string `yaml:"api_key"`
}

type Config struct {
	LLM        LLM       `yaml:"llm"`
	Pipeline   Pipeline  `yaml:"pipeline"`
	Server     Server    `yaml:"server"`
	Pathstore  Pathstore `yaml:"pathstore"`
	SQLitePath string    `yaml:"sqlite_path"`
	InputDir   string    `yaml:"input_dir"`
	OutputDir  string    `yaml:"output_dir"`
}

func Default() Config {
	return Config{
		LLM: LLM{
			Provider:       llm.ProviderAnthropic,
			AnthropicModel: "claude-sonnet-4-5-20250929",
			GeminiModel:    "gemini-2.5-flash",
			Timeout:        300 * time.Second,
			MaxAttempts:    llm.DefaultMaxAttempts,
		},
		Pipeline: Pipeline{
			ChunkSize:      20000,
			BatchSize:      500,
			ExtractWorkers: 12,
			DedupWorkers:   12,
			DedupMaxIter:   3,
			DedupThreshold: 5,
			ShuffleSeed:    42,
		},
		Server: Server{
			Port:         "8090",
			WorkerCount:  2,
			MaxQueueSize: 100,
			JobTTL:       time.Hour,
		},
	}
}

// Load resolves the configuration. yamlPath may be empty, in which case
// CLINFACTS_CONFIG names the YAML file if set. A .env file in the working
// directory is read if present; it never overrides variables that are
// already set.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath == "" {
		yamlPath = os.Getenv("CLINFACTS_CONFIG")
	}
	if yamlPath != "" {
		if err := mergeYAML(&cfg, yamlPath); err != nil {
			return cfg, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("reading .env: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func mergeYAML(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	envString(&c.LLM.Provider, "LLM_PROVIDER")
	envString(&c.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envString(&c.LLM.AnthropicModel, "ANTHROPIC_MODEL")
	envString(&c.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	envString(&c.LLM.GeminiModel, "GEMINI_MODEL")
	envString(&c.LLM.BaseURL, "LLM_BASE_URL")
	envInt(&c.LLM.MaxOutputTokens, "LLM_MAX_OUTPUT_TOKENS")
	envDuration(&c.LLM.Timeout, "LLM_TIMEOUT")
	envInt(&c.LLM.MaxAttempts, "LLM_MAX_ATTEMPTS")

	envInt(&c.Pipeline.ChunkSize, "CHUNK_SIZE")
	envInt(&c.Pipeline.BatchSize, "BATCH_SIZE")
	envInt(&c.Pipeline.ExtractWorkers, "EXTRACT_WORKERS")
	envInt(&c.Pipeline.DedupWorkers, "DEDUP_WORKERS")
	envInt(&c.Pipeline.DedupMaxIter, "DEDUP_MAX_ITER")
	envInt(&c.Pipeline.DedupThreshold, "DEDUP_THRESHOLD")
	if v := os.Getenv("SHUFFLE_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Pipeline.ShuffleSeed = n
		}
	}

	envString(&c.Server.Port, "PORT")
	envString(&c.Server.APIKey, "API_KEY")
	envInt(&c.Server.WorkerCount, "WORKER_COUNT")
	envInt(&c.Server.MaxQueueSize, "MAX_QUEUE_SIZE")
	envDuration(&c.Server.JobTTL, "JOB_TTL")

	envString(&c.Pathstore.URL, "PATHSTORE_URL")
	envString(&c.Pathstore.APIKey, "PATHSTORE_API_KEY")

	envString(&c.SQLitePath, "SQLITE_PATH")
	envString(&c.InputDir, "INPUT_DIR")
	envString(&c.OutputDir, "OUTPUT_DIR")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and that the selected provider has a key.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.LLMConfig().APIKey == "" {
		return fmt.Errorf("%s_API_KEY is required", strings.ToUpper(c.LLM.Provider))
	}
	if c.Pathstore.URL != "" && c.Pathstore.APIKey == "" {
		return fmt.Errorf("PATHSTORE_API_KEY is required when PATHSTORE_URL is set")
	}
	return nil
}

// ValidateServer adds the checks that only apply to the HTTP server.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR is required")
	}
	return nil
}

// LLMConfig returns the model client settings for the selected provider.
func (c Config) LLMConfig() llm.Config {
	out := llm.Config{
		Provider:        c.LLM.Provider,
		BaseURL:         c.LLM.BaseURL,
		MaxOutputTokens: c.LLM.MaxOutputTokens,
		Timeout:         c.LLM.Timeout,
		MaxAttempts:     c.LLM.MaxAttempts,
	}
	switch c.LLM.Provider {
	case llm.ProviderGemini:
		out.APIKey, out.Model = c.LLM.GeminiAPIKey, c.LLM.GeminiModel
	default:
		out.APIKey, out.Model = c.LLM.AnthropicAPIKey, c.LLM.AnthropicModel
	}
	return out
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
