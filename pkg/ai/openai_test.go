package ai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	content string
	err     error
	last    openai.ChatCompletionRequest
}

func (s *stubCompleter) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.last = request
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: s.content}}},
		Usage:   openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

const validVerdict = `{"general_feedback":" Solide travail ","criteria":[{"name":"Clarté","score":4,"max_score":5,"comment":"Bien"}],"final_score":16,"max_score":20}`

func TestOpenAIEvaluatorStructuredVerdict(t *testing.T) {
	client := &stubCompleter{content: validVerdict}
	evaluator := newOpenAIEvaluator(client, OpenAIConfig{Logger: zerolog.Nop()})

	verdict, err := evaluator.Evaluate(context.Background(), Request{SystemPrompt: "sys", Prompt: "work"})
	require.NoError(t, err)
	require.Equal(t, ModeStructured, verdict.Mode)
	require.Equal(t, "Solide travail", verdict.GeneralFeedback)
	require.Len(t, verdict.Criteria, 1)
	require.InDelta(t, 16, verdict.FinalScore, 0.001)
	require.Equal(t, DefaultModel, verdict.Model)
	require.Equal(t, 15, verdict.Usage.TotalTokens)

	require.Equal(t, DefaultModel, client.last.Model)
	require.NotNil(t, client.last.ResponseFormat)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, client.last.ResponseFormat.Type)
	require.True(t, client.last.ResponseFormat.JSONSchema.Strict)
	require.Len(t, client.last.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, client.last.Messages[0].Role)
	require.InDelta(t, 0.3, client.last.Temperature, 0.0001)
}

func TestOpenAIEvaluatorFreeFormSkipsResponseFormat(t *testing.T) {
	client := &stubCompleter{content: "## Points forts\n- clair"}
	evaluator := newOpenAIEvaluator(client, OpenAIConfig{DefaultModel: "gpt-4.1"})

	verdict, err := evaluator.Evaluate(context.Background(), Request{ModelID: "gpt-4o", Prompt: "work", Mode: ModeFreeForm})
	require.NoError(t, err)
	require.Equal(t, ModeFreeForm, verdict.Mode)
	require.Equal(t, "## Points forts\n- clair", verdict.FreeText)
	require.Equal(t, "gpt-4o", client.last.Model)
	require.Nil(t, client.last.ResponseFormat)
}

func TestOpenAIEvaluatorMalformedOutputIsNotRetryable(t *testing.T) {
	evaluator := newOpenAIEvaluator(&stubCompleter{content: `{"score": "high"}`}, OpenAIConfig{})

	_, err := evaluator.Evaluate(context.Background(), Request{Prompt: "work"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedResponse))
	require.False(t, IsRetryable(err))
}

func TestOpenAIEvaluatorClassifiesProviderErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		sentinel  error
		retryable bool
	}{
		{name: "rate limit", status: http.StatusTooManyRequests, sentinel: ErrRateLimited, retryable: true},
		{name: "server", status: http.StatusBadGateway, sentinel: ErrProviderUnavailable, retryable: true},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, sentinel: ErrTimeout, retryable: true},
		{name: "auth", status: http.StatusUnauthorized, sentinel: ErrAuth, retryable: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := &openai.APIError{HTTPStatusCode: tc.status, Message: "provider said no"}
			evaluator := newOpenAIEvaluator(&stubCompleter{err: apiErr}, OpenAIConfig{})

			_, err := evaluator.Evaluate(context.Background(), Request{Prompt: "work"})
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.sentinel))
			require.Equal(t, tc.retryable, IsRetryable(err))
			require.Contains(t, err.Error(), "provider said no")
		})
	}
}

func TestOpenAIEvaluatorDeadlineIsTimeout(t *testing.T) {
	evaluator := newOpenAIEvaluator(&stubCompleter{err: context.DeadlineExceeded}, OpenAIConfig{})

	_, err := evaluator.Evaluate(context.Background(), Request{Prompt: "work"})
	require.True(t, errors.Is(err, ErrTimeout))
	require.True(t, IsRetryable(err))
}

func TestNewOpenAIEvaluatorRequiresKey(t *testing.T) {
	_, err := NewOpenAIEvaluator(OpenAIConfig{})
	require.Error(t, err)
}

func TestParseStructuredVerdictAcceptsCodeFence(t *testing.T) {
	verdict, err := ParseStructuredVerdict("```json\n" + validVerdict + "\n```")
	require.NoError(t, err)
	require.InDelta(t, 20, verdict.MaxScore, 0.001)

	_, err = ParseStructuredVerdict(`{"general_feedback":"x","criteria":[],"final_score":1}`)
	require.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseStructuredVerdict("not json")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseStructuredVerdictValidatesNumbers(t *testing.T) {
	verdict, err := ParseStructuredVerdict(`{"general_feedback":"ok","criteria":[{"name":"Rigour","score":2.5,"max_score":5,"comment":"partial"}],"final_score":12.75,"max_score":20}`)
	require.NoError(t, err)
	require.InDelta(t, 12.75, verdict.FinalScore, 0.001)
	require.InDelta(t, 2.5, verdict.Criteria[0].Score, 0.001)

	_, err = ParseStructuredVerdict(`{"general_feedback":"ok","criteria":[],"final_score":"twelve","max_score":20}`)
	require.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseStructuredVerdict(`{"general_feedback":"ok","criteria":[],"final_score":1,"max_score":20,"extra":true}`)
	require.ErrorIs(t, err, ErrMalformedResponse)
}
