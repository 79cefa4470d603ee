package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/compose"
	"github.com/jonathan/story-illustrator/internal/config"
	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/health"
	"github.com/jonathan/story-illustrator/internal/inference"
	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/media"
	"github.com/jonathan/story-illustrator/internal/metrics"
	"github.com/jonathan/story-illustrator/internal/pipeline"
	"github.com/jonathan/story-illustrator/internal/ratelimit"
)

// app holds the wired components shared by every command.
type app struct {
	settings *config.Settings
	models   *config.Models
	logger   *zap.Logger

	store       db.Store
	files       *media.FileStore
	signer      *media.Signer
	limitStore  ratelimit.Backend
	limiter     *ratelimit.Limiter
	window      *metrics.CallWindow
	transcriber *inference.Transcriber
	text        *inference.TextGenerator
	images      *inference.ImageGenerator
	pool        *pipeline.Pool
	checker     *health.Checker

	closers []func() error
}

// loadSettings reads the environment and applies the --config flag.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	if modelsPath != "" {
		settings.ModelsFile = modelsPath
	}
	return settings, nil
}

// newApp wires every component from settings. Provider backends are created
// only for the services the model chains name.
func newApp(ctx context.Context, settings *config.Settings) (_ *app, err error) {
	a := &app{settings: settings}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.logger, err = logging.New(settings.Logging); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		_ = a.logger.Sync()
		return nil
	})

	if a.models, err = config.LoadModels(settings.ModelsFile); err != nil {
		return nil, err
	}

	if a.store, err = openStore(ctx, settings.Database, a.logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.files, err = media.NewFileStore(settings.Media.Root); err != nil {
		return nil, err
	}
	a.signer = media.NewSigner(settings.Media.SigningSecret, settings.Media.URLTTL)

	if settings.Redis.URL != "" {
		opts, err := redis.ParseURL(settings.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.limitStore = ratelimit.NewRedisBackend(client, settings.Redis.KeyPrefix)
		a.logger.Info("using redis rate limit backend")
	}

	limits := settings.RateLimit
	limits.Budgets = mergeBudgets(a.models.Budgets, settings.RateLimit.Budgets)
	a.limiter = ratelimit.NewLimiter(a.limitStore, limits)
	a.window = metrics.NewCallWindow(settings.Retry.Window)

	if err := a.buildClients(ctx); err != nil {
		return nil, err
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Store:       a.store,
		Artifacts:   a.files,
		Transcriber: a.transcriber,
		Text:        a.text,
		Images:      a.images,
		Composer:    compose.New(compose.Options{}),
		Logger:      a.logger,
	}, settings.Pipeline)
	if err != nil {
		return nil, err
	}
	a.pool = pipeline.NewPool(runner, settings.Pipeline.Workers, a.logger)

	a.checker = health.NewChecker(health.Deps{
		Database:     a.store,
		Storage:      a.files,
		Capabilities: []inference.Capability{a.transcriber, a.text, a.images},
		Limiter:      a.limiter,
		Window:       a.window,
		Logger:       a.logger,
	}, settings.Health)

	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (db.Store, error) {
	switch cfg.ResolvedDriver() {
	case config.DriverPostgres:
		if cfg.Migrate {
			if err := db.Migrate(cfg.URL, false); err != nil {
				return nil, err
			}
		}
		store, err := db.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return store, nil
	case config.DriverSQLite:
		store, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return store, nil
	default:
		logger.Warn("using in-memory store; stories are lost on exit")
		return db.NewMemoryStore(), nil
	}
}

// mergeBudgets overlays env budgets on the models file budgets.
func mergeBudgets(file, env map[string]int) map[string]int {
	out := make(map[string]int, len(file)+len(env))
	for svc, n := range file {
		out[svc] = n
	}
	for svc, n := range env {
		out[svc] = n
	}
	return out
}

// buildClients creates one backend per named service and the three
// capability clients on top of them.
func (a *app) buildClients(ctx context.Context) error {
	providers := a.settings.Providers
	backends := map[string]any{}
	for _, svc := range a.models.Services() {
		switch svc {
		case "huggingface":
			backends[svc] = inference.NewHuggingFaceBackend(providers.HuggingFace.BaseURL, providers.HuggingFace.Token, nil)
		case "openai":
			backends[svc] = inference.NewOpenAIBackend(inference.OpenAIConfig{
				APIKey:          providers.OpenAI.APIKey,
				BaseURL:         providers.OpenAI.BaseURL,
				MaxPromptTokens: providers.OpenAI.MaxPromptTokens,
				ImageSize:       providers.OpenAI.ImageSize,
			})
		case "ollama":
			b, err := inference.NewOllamaBackend(providers.Ollama.BaseURL, nil)
			if err != nil {
				return err
			}
			backends[svc] = b
		case "gemini":
			b, err := inference.NewGeminiBackend(ctx, providers.Gemini.APIKey)
			if err != nil {
				return fmt.Errorf("gemini backend: %w", err)
			}
			a.closers = append(a.closers, b.Close)
			backends[svc] = b
		default:
			return fmt.Errorf("no backend for service %q", svc)
		}
	}

	opts := inference.Options{
		Limiter:     a.limiter,
		MaxAttempts: a.settings.Retry.MaxAttempts,
		BaseDelay:   a.settings.Retry.BaseDelay,
		MaxDelay:    a.settings.Retry.MaxDelay,
		Timeout:     a.settings.Retry.Timeout,
		Window:      a.window,
		Logger:      a.logger,
	}
	transcriberRefs, textRefs, imageRefs := a.models.Refs()

	var err error
	if a.transcriber, err = inference.NewTranscriber(transcriberRefs, backendsFor[inference.TranscriptionBackend](backends), opts); err != nil {
		return err
	}
	if a.text, err = inference.NewTextGenerator(textRefs, backendsFor[inference.TextBackend](backends), opts); err != nil {
		return err
	}
	if a.images, err = inference.NewImageGenerator(imageRefs, backendsFor[inference.ImageBackend](backends), opts); err != nil {
		return err
	}
	return nil
}

// backendsFor keeps the backends that implement T.
func backendsFor[T any](all map[string]any) map[string]T {
	out := map[string]T{}
	for svc, b := range all {
		if t, ok := b.(T); ok {
			out[svc] = t
		}
	}
	return out
}

// Close releases every resource in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// cliLogging sends logs to stderr so command output stays clean.
func cliLogging(settings *config.Settings) {
	if settings.Logging.OutputPath == "" {
		settings.Logging.OutputPath = "stderr"
	}
	if os.Getenv("STORY_LOG_LEVEL") == "" {
		settings.Logging.Level = "warn"
	}
}
