package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service and CLI.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	NATSSubject string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIMaxTokens int
	DefaultModel    string

	MaxConcurrency   int
	OutputFormat     string
	SystemPromptFile string
	StudentTimeout   time.Duration

	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
	RetryJitter          bool

	FetchTimeout              time.Duration
	FetchCacheTTL             time.Duration
	FetchAllowPrivateNetworks bool

	UploadMaxBytes         int64
	ArchiveMaxUncompressed int64

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	RateLimitMax    int
	RateLimitWindow time.Duration
}

var validOutputFormats = map[string]bool{"excel": true, "structured_word": true, "free_word": true}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether export bundles should be uploaded.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.url", "sqlite:grader.db")
	v.SetDefault("nats.subject", "grader.progress")
	v.SetDefault("model.default", "gpt-4o")
	v.SetDefault("openai.max_tokens", 0)
	v.SetDefault("evaluation.max_concurrency", 5)
	v.SetDefault("evaluation.output_format", "excel")
	v.SetDefault("evaluation.student_timeout", "0s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "1s")
	v.SetDefault("retry.max_interval", "20s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.cache_ttl", "1h")
	v.SetDefault("fetch.allow_private_networks", false)
	v.SetDefault("upload.max_mb", 100)
	v.SetDefault("archive.max_uncompressed_mb", 1024)
	v.SetDefault("cloudinary.folder", "gema/grader")
	v.SetDefault("rate_limit.max", 10)
	v.SetDefault("rate_limit.window", "1m")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"evaluation.student_timeout",
		"retry.initial_interval",
		"retry.max_interval",
		"fetch.timeout",
		"fetch.cache_ttl",
		"rate_limit.window",
	} {
		value, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if value < 0 {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", key)
		}
		durations[key] = value
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		NATSSubject: v.GetString("nats.subject"),

		OpenAIAPIKey:    v.GetString("openai_api_key"),
		OpenAIBaseURL:   v.GetString("openai.base_url"),
		OpenAIMaxTokens: v.GetInt("openai.max_tokens"),
		DefaultModel:    v.GetString("model.default"),

		MaxConcurrency:   v.GetInt("evaluation.max_concurrency"),
		OutputFormat:     strings.ToLower(strings.TrimSpace(v.GetString("evaluation.output_format"))),
		SystemPromptFile: v.GetString("evaluation.system_prompt_file"),
		StudentTimeout:   durations["evaluation.student_timeout"],

		RetryMaxAttempts:     v.GetInt("retry.max_attempts"),
		RetryInitialInterval: durations["retry.initial_interval"],
		RetryMaxInterval:     durations["retry.max_interval"],
		RetryMultiplier:      v.GetFloat64("retry.multiplier"),
		RetryJitter:          v.GetBool("retry.jitter"),

		FetchTimeout:              durations["fetch.timeout"],
		FetchCacheTTL:             durations["fetch.cache_ttl"],
		FetchAllowPrivateNetworks: v.GetBool("fetch.allow_private_networks"),

		UploadMaxBytes:         v.GetInt64("upload.max_mb") << 20,
		ArchiveMaxUncompressed: v.GetInt64("archive.max_uncompressed_mb") << 20,

		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),

		RateLimitMax:    v.GetInt("rate_limit.max"),
		RateLimitWindow: durations["rate_limit.window"],
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("evaluation.max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if !validOutputFormats[c.OutputFormat] {
		return fmt.Errorf("evaluation.output_format %q is not one of excel, structured_word, free_word", c.OutputFormat)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.RetryMultiplier)
	}
	if c.UploadMaxBytes <= 0 {
		return errors.New("upload.max_mb must be positive")
	}
	if c.RateLimitMax < 0 {
		return errors.New("rate_limit.max must not be negative")
	}
	return nil
}
