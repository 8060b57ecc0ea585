// Package bootstrap assembles the grading pipeline shared by the API server and the CLI.
package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/extract"
	"github.com/noah-isme/gema-grader/pkg/fetch"
)

// PipelineDeps overrides the collaborators built from configuration.
// A nil Evaluator is built from the OpenAI settings; a nil Redis disables URL caching.
type PipelineDeps struct {
	Evaluator ai.Evaluator
	Redis     *redis.Client
}

// RetryPolicy maps the retry settings onto the job runner policy.
func RetryPolicy(cfg config.Config) service.RetryPolicy {
	return service.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Jitter:          cfg.RetryJitter,
	}
}

// NewPipeline wires extraction, URL fetching, the evaluator, the job runner,
// the scheduler, the archive normalizer and the context assembler.
func NewPipeline(cfg config.Config, deps PipelineDeps, logger zerolog.Logger) (*service.Pipeline, error) {
	evaluator := deps.Evaluator
	if evaluator == nil {
		openAI, err := ai.NewOpenAIEvaluator(ai.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxTokens:    cfg.OpenAIMaxTokens,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build evaluator: %w", err)
		}
		evaluator = openAI
	}

	registry := extract.NewRegistry(logger)

	var fetcher fetch.Fetcher = fetch.NewHTTPFetcher(fetch.HTTPConfig{
		Timeout:              cfg.FetchTimeout,
		AllowPrivateNetworks: cfg.FetchAllowPrivateNetworks,
	}, logger)
	if deps.Redis != nil && cfg.FetchCacheTTL > 0 {
		fetcher = fetch.NewCachedFetcher(fetcher, deps.Redis, cfg.FetchCacheTTL, logger)
	}

	runner := service.NewEvaluationJobRunner(registry, evaluator, service.JobRunnerOptions{
		Retry:          RetryPolicy(cfg),
		StudentTimeout: cfg.StudentTimeout,
	}, logger)

	return service.NewPipeline(
		service.NewArchiveNormalizer(cfg.ArchiveMaxUncompressed, logger),
		service.NewContextAssembler(registry, fetcher, cfg.DefaultModel, logger),
		service.NewBatchScheduler(runner, logger),
		logger,
	), nil
}

// SystemPrompt reads the configured prompt template file. An unset path yields
// an empty string so the built-in prompt applies.
func SystemPrompt(cfg config.Config) (string, error) {
	path := strings.TrimSpace(cfg.SystemPromptFile)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt file: %w", err)
	}
	return string(data), nil
}
