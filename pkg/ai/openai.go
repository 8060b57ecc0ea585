package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "evaluation_duration_seconds",
		Help:      "Duration of AI evaluation requests",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"model", "mode"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "evaluation_failures_total",
		Help:      "Number of AI evaluation failures",
	}, []string{"model", "reason"})
)

// DefaultModel is used when neither the request nor the configuration names one.
const DefaultModel = "gpt-4o"

// OpenAIConfig defines configuration options for the OpenAI evaluator.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Temperature  float32
	Logger       zerolog.Logger
}

// chatCompleter is the slice of the go-openai client the evaluator needs.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIEvaluator implements Evaluator against the OpenAI chat completion API.
type OpenAIEvaluator struct {
	client chatCompleter
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIEvaluator builds a new evaluator using the provided configuration.
func NewOpenAIEvaluator(cfg OpenAIConfig) (*OpenAIEvaluator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return newOpenAIEvaluator(openai.NewClientWithConfig(config), cfg), nil
}

func newOpenAIEvaluator(client chatCompleter, cfg OpenAIConfig) *OpenAIEvaluator {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenAIEvaluator{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_evaluator").Logger(),
	}
}

// Evaluate sends the composed prompt to OpenAI and parses the verdict.
func (e *OpenAIEvaluator) Evaluate(parent context.Context, req Request) (Verdict, error) {
	model := strings.TrimSpace(req.ModelID)
	if model == "" {
		model = e.cfg.DefaultModel
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeStructured
	}

	ctx, span := e.tracer.Start(parent, "openai.evaluate", trace.WithAttributes(
		attribute.String("model", model),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: e.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if e.cfg.MaxTokens > 0 {
		request.MaxCompletionTokens = e.cfg.MaxTokens
	}
	if mode == ModeStructured {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   verdictSchemaName,
				Schema: json.RawMessage(verdictSchema),
				Strict: true,
			},
		}
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(model, string(mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		err = classifyError(err)
		return Verdict{}, e.fail(span, model, err)
	}

	if len(resp.Choices) == 0 {
		return Verdict{}, e.fail(span, model, fmt.Errorf("%w: no choices returned from openai", ErrMalformedResponse))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var verdict Verdict
	if mode == ModeFreeForm {
		if content == "" {
			return Verdict{}, e.fail(span, model, fmt.Errorf("%w: empty completion", ErrMalformedResponse))
		}
		verdict = Verdict{Mode: ModeFreeForm, FreeText: content}
	} else {
		verdict, err = ParseStructuredVerdict(content)
		if err != nil {
			return Verdict{}, e.fail(span, model, err)
		}
	}

	verdict.Model = model
	verdict.Usage = &Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	span.SetAttributes(attribute.Int("usage.total_tokens", resp.Usage.TotalTokens))
	span.SetStatus(codes.Ok, "evaluated")

	return verdict, nil
}

func (e *OpenAIEvaluator) fail(span trace.Span, model string, err error) error {
	aiFailures.WithLabelValues(model, failureReason(err)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Debug().Err(err).Str("model", model).Msg("openai evaluation failed")
	return fmt.Errorf("openai evaluate: %w", err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "other"
	}
}
