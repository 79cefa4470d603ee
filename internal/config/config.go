// Package config loads service settings from the environment and the model
// chains from a TOML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jonathan/story-illustrator/internal/health"
	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/pipeline"
	"github.com/jonathan/story-illustrator/internal/ratelimit"
	"github.com/jonathan/story-illustrator/internal/server"
)

// Prefix is the environment variable prefix.
const Prefix = "STORY"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Settings is the full service configuration.
type Settings struct {
	HTTP      server.Config           `envconfig:"HTTP"`
	Database  DatabaseConfig          `envconfig:"DATABASE"`
	Redis     RedisConfig             `envconfig:"REDIS"`
	AMQP      AMQPConfig              `envconfig:"AMQP"`
	Media     MediaConfig             `envconfig:"MEDIA"`
	Retry     RetryConfig             `envconfig:"RETRY"`
	Pipeline  pipeline.Config         `envconfig:"PIPELINE"`
	RateLimit ratelimit.Config        `envconfig:"RATELIMIT"`
	Ingress   ratelimit.IngressConfig `envconfig:"INGRESS"`
	Health    health.Config           `envconfig:"HEALTH"`
	Logging   logging.Config          `envconfig:"LOG"`
	Providers ProvidersConfig         `envconfig:"PROVIDERS"`

	// ModelsFile lists the model chains. A missing file uses DefaultModels.
	ModelsFile string `envconfig:"MODELS_FILE" default:"models.toml"`
}

// DatabaseConfig selects the story store.
type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory. Empty picks postgres when URL is
	// set and sqlite otherwise.
	Driver     string `envconfig:"DRIVER"`
	URL        string `envconfig:"URL"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"stories.db"`
	// Migrate applies postgres migrations on startup.
	Migrate bool `envconfig:"MIGRATE" default:"true"`
}

// ResolvedDriver returns the driver after applying the URL rule.
func (c DatabaseConfig) ResolvedDriver() string {
	if c.Driver != "" {
		return strings.ToLower(c.Driver)
	}
	if c.URL != "" {
		return DriverPostgres
	}
	return DriverSQLite
}

// RedisConfig enables the shared limiter backend when URL is set.
type RedisConfig struct {
	URL       string `envconfig:"URL"`
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"story:ratelimit:"`
}

// AMQPConfig enables queue dispatch when URL is set.
type AMQPConfig struct {
	URL      string `envconfig:"URL"`
	Queue    string `envconfig:"QUEUE" default:"story_generation_tasks"`
	Prefetch int    `envconfig:"PREFETCH" default:"4"`
}

// RetryConfig bounds provider calls.
type RetryConfig struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	MaxDelay    time.Duration `envconfig:"MAX_DELAY" default:"30s"`
	// Timeout is the hard limit of one provider call.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"60s"`
	// Window is the number of recent calls per capability used by health.
	Window int `envconfig:"WINDOW" default:"50"`
}

// ProvidersConfig holds provider credentials and endpoints.
type ProvidersConfig struct {
	HuggingFace HuggingFaceConfig `envconfig:"HUGGINGFACE"`
	OpenAI      OpenAIConfig      `envconfig:"OPENAI"`
	Ollama      OllamaConfig      `envconfig:"OLLAMA"`
	Gemini      GeminiConfig      `envconfig:"GEMINI"`
}

type HuggingFaceConfig struct {
	BaseURL string `envconfig:"BASE_URL"`
	Token   string `envconfig:"TOKEN"`
}

type OpenAIConfig struct {
	APIKey          string `envconfig:"API_KEY"`
	BaseURL         string `envconfig:"BASE_URL"`
	MaxPromptTokens int    `envconfig:"MAX_PROMPT_TOKENS" default:"3000"`
	ImageSize       string `envconfig:"IMAGE_SIZE" default:"512x512"`
}

type OllamaConfig struct {
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:11434"`
}

type GeminiConfig struct {
	APIKey string `envconfig:"API_KEY"`
}

// Load reads settings from STORY_* environment variables and validates them.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the settings have valid values.
func (s *Settings) Validate() error {
	switch s.Database.ResolvedDriver() {
	case DriverPostgres:
		if s.Database.URL == "" {
			return fmt.Errorf("config error: postgres driver requires STORY_DATABASE_URL")
		}
	case DriverSQLite:
		if s.Database.SQLitePath == "" {
			return fmt.Errorf("config error: sqlite driver requires STORY_DATABASE_SQLITE_PATH")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config error: unknown database driver %q", s.Database.Driver)
	}

	if s.HTTP.Port < 0 || s.HTTP.Port > 65535 {
		return fmt.Errorf("config error: port %d out of range", s.HTTP.Port)
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config error: retry max attempts must be at least 1")
	}
	if s.Retry.Timeout <= 0 {
		return fmt.Errorf("config error: retry timeout must be positive")
	}
	if s.Pipeline.Workers < 1 {
		return fmt.Errorf("config error: pipeline workers must be at least 1")
	}
	if s.RateLimit.DefaultBudget < 1 {
		return fmt.Errorf("config error: rate limit budget must be at least 1")
	}
	for svc, budget := range s.RateLimit.Budgets {
		if budget < 1 {
			return fmt.Errorf("config error: rate limit budget for %s must be at least 1", svc)
		}
	}
	return s.Media.normalize()
}
