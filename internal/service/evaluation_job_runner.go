package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/extract"
)

// JobRunnerOptions tunes a job runner.
type JobRunnerOptions struct {
	Retry RetryPolicy
	// StudentTimeout bounds one student's extraction and evaluation. Zero disables it.
	StudentTimeout time.Duration
}

// EvaluationJobRunner grades one student: extraction, prompt composition,
// then evaluator invocation with bounded retries.
type EvaluationJobRunner struct {
	extractor extract.TextExtractor
	evaluator ai.Evaluator
	retry     RetryPolicy
	timeout   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewEvaluationJobRunner constructs a runner.
func NewEvaluationJobRunner(extractor extract.TextExtractor, evaluator ai.Evaluator, opts JobRunnerOptions, logger zerolog.Logger) *EvaluationJobRunner {
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}

	return &EvaluationJobRunner{
		extractor: extractor,
		evaluator: evaluator,
		retry:     policy.normalized(),
		timeout:   opts.StudentTimeout,
		sleep:     sleepContext,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/noah-isme/gema-grader/internal/service/job_runner"),
		logger:    logger.With().Str("component", "evaluation_job_runner").Logger(),
	}
}

// Run evaluates one student. Every failure is reported through the result status.
func (r *EvaluationJobRunner) Run(parent context.Context, student models.StudentSubmission, evalCtx *models.EvaluationContext) models.StudentResult {
	start := r.now()
	result := models.StudentResult{StudentID: student.StudentID, Files: student.FileNames()}

	ctx, span := r.tracer.Start(parent, "grader.student", trace.WithAttributes(
		attribute.String("student_id", student.StudentID),
		attribute.Int("files", len(student.Files)),
	))
	defer span.End()

	observability.JobsInFlight().Inc()
	defer observability.JobsInFlight().Dec()

	finish := func(status models.ResultStatus, verdict *ai.Verdict, detail string) models.StudentResult {
		result.Status = status
		result.Verdict = verdict
		result.ErrorDetail = detail
		result.Duration = r.now().Sub(start)

		span.SetAttributes(attribute.String("status", string(status)), attribute.Int("attempts", result.Attempts))
		observability.StudentResults().WithLabelValues(string(status)).Inc()
		observability.JobDuration().WithLabelValues(string(status)).Observe(result.Duration.Seconds())

		event := r.logger.Info()
		if status != models.ResultOK {
			event = r.logger.Warn().Str("error_detail", detail)
		}
		event.Str("student_id", student.StudentID).
			Str("status", string(status)).
			Int("attempts", result.Attempts).
			Dur("duration", result.Duration).
			Msg("student evaluated")
		return result
	}

	if err := parent.Err(); err != nil {
		return finish(models.ResultCancelled, nil, "batch cancelled before the job started")
	}

	jobCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	text, failures, readable := r.extractText(jobCtx, student)
	if parent.Err() != nil {
		return finish(models.ResultCancelled, nil, "batch cancelled during extraction")
	}
	if readable == 0 {
		return finish(models.ResultExtractionFailed, nil, extractionDetail(student, failures))
	}

	systemPrompt, err := evalCtx.RenderSystemPrompt(models.PromptData{
		StudentID:          student.StudentID,
		Rubric:             evalCtx.Rubric(),
		KnowledgeBase:      FormatKnowledgeBase(evalCtx.Knowledge()),
		CustomInstructions: evalCtx.CustomInstructions(),
		OutputInstructions: evalCtx.OutputInstructions(),
	})
	if err != nil {
		return finish(models.ResultEvaluationFailed, nil, err.Error())
	}

	request := ai.Request{
		ModelID:      evalCtx.ModelID(),
		SystemPrompt: systemPrompt,
		Prompt:       ComposePrompt(evalCtx, student.StudentID, text),
		Mode:         evalCtx.Mode(),
	}

	verdict, attempts, err := r.invoke(jobCtx, student.StudentID, request)
	result.Attempts = attempts
	observability.EvaluatorAttempts().Observe(float64(attempts))
	if err != nil {
		if parent.Err() != nil {
			return finish(models.ResultCancelled, nil, "batch cancelled during evaluation")
		}
		span.RecordError(err)
		return finish(models.ResultEvaluationFailed, nil, err.Error())
	}

	return finish(models.ResultOK, &verdict, "")
}

type fileFailure struct {
	name   string
	reason string
}

// extractText renders every file as "=== name ===\n<text>", substituting an
// unreadable marker for files that yield no text.
func (r *EvaluationJobRunner) extractText(ctx context.Context, student models.StudentSubmission) (string, []fileFailure, int) {
	segments := make([]string, 0, len(student.Files))
	var failures []fileFailure
	readable := 0

	for _, file := range student.Files {
		if ctx.Err() != nil {
			failures = append(failures, fileFailure{name: file.Name, reason: ctx.Err().Error()})
			continue
		}

		text, err := r.extractor.Extract(ctx, file.Name, file.Content, file.Format)
		switch {
		case err != nil:
			failures = append(failures, fileFailure{name: file.Name, reason: err.Error()})
		case strings.TrimSpace(text) == "":
			failures = append(failures, fileFailure{name: file.Name, reason: "no readable text"})
		default:
			readable++
			segments = append(segments, "=== "+file.Name+" ===\n"+text)
			continue
		}

		r.logger.Debug().Str("student_id", student.StudentID).Str("file", file.Name).Str("reason", failures[len(failures)-1].reason).Msg("file unreadable")
		segments = append(segments, "=== "+file.Name+" ===\n[unreadable: "+file.Name+"]")
	}

	return strings.Join(segments, "\n\n"), failures, readable
}

func extractionDetail(student models.StudentSubmission, failures []fileFailure) string {
	if len(student.Files) == 0 {
		return "no files submitted"
	}
	reasons := make([]string, 0, len(failures))
	for _, failure := range failures {
		reasons = append(reasons, failure.name+": "+failure.reason)
	}
	return "no readable text in any file: " + strings.Join(reasons, "; ")
}

// invoke calls the evaluator, retrying transient failures per the policy.
func (r *EvaluationJobRunner) invoke(ctx context.Context, studentID string, request ai.Request) (ai.Verdict, int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		verdict, err := r.evaluator.Evaluate(ctx, request)
		if err == nil {
			return verdict, attempt, nil
		}
		lastErr = err

		if !ai.IsRetryable(err) || attempt == r.retry.MaxAttempts || ctx.Err() != nil {
			return ai.Verdict{}, attempt, lastErr
		}

		delay := r.retry.Backoff(attempt)
		r.logger.Warn().Err(err).
			Str("student_id", studentID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient evaluator failure, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return ai.Verdict{}, attempt, lastErr
		}
	}
	return ai.Verdict{}, r.retry.MaxAttempts, lastErr
}

// FormatKnowledgeBase joins snippets, each labelled with its source kind and name.
func FormatKnowledgeBase(snippets []models.KnowledgeSnippet) string {
	blocks := make([]string, 0, len(snippets))
	for _, snippet := range snippets {
		blocks = append(blocks, fmt.Sprintf("[%s] %s\n%s", snippet.Kind, snippet.Source, snippet.Text))
	}
	return strings.Join(blocks, "\n\n")
}

// ComposePrompt builds the user message: rubric, knowledge base, custom
// instructions, expected output format (free-form only) and the student's work.
func ComposePrompt(evalCtx *models.EvaluationContext, studentID, studentText string) string {
	var sections []string

	sections = append(sections, "## Evaluation rubric\n\n"+evalCtx.Rubric())

	if knowledge := FormatKnowledgeBase(evalCtx.Knowledge()); knowledge != "" {
		sections = append(sections, "## Knowledge base / reference documents\n\n"+knowledge)
	}
	if instructions := evalCtx.CustomInstructions(); instructions != "" {
		sections = append(sections, "## Additional instructions from the instructor\n\n"+instructions)
	}
	if evalCtx.Mode() == ai.ModeFreeForm {
		instructions := evalCtx.OutputInstructions()
		if instructions == "" {
			instructions = "Write a structured evaluation in markdown."
		}
		sections = append(sections, "## Expected output format\n\n"+instructions)
	}

	sections = append(sections, fmt.Sprintf("## Student work to evaluate (%s)\n\n%s", studentID, studentText))

	return strings.Join(sections, "\n\n")
}
