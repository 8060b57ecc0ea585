package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/models"
)

// PipelineInput is everything needed to grade one archive.
type PipelineInput struct {
	Archive        models.SubmissionArchive
	Context        ContextInput
	MaxConcurrency int
}

// PreparedBatch is a normalized archive paired with its frozen context, ready to schedule.
type PreparedBatch struct {
	Students       []models.StudentSubmission
	Context        *models.EvaluationContext
	MaxConcurrency int
}

// Pipeline chains normalization, context assembly and batch scheduling.
type Pipeline struct {
	normalizer *ArchiveNormalizer
	assembler  *ContextAssembler
	scheduler  *BatchScheduler
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewPipeline wires the pipeline stages.
func NewPipeline(normalizer *ArchiveNormalizer, assembler *ContextAssembler, scheduler *BatchScheduler, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		assembler:  assembler,
		scheduler:  scheduler,
		tracer:     otel.Tracer("github.com/noah-isme/gema-grader/internal/service/pipeline"),
		logger:     logger.With().Str("component", "grading_pipeline").Logger(),
	}
}

// Prepare validates the configuration, normalizes the archive and assembles
// the context. Every error it returns is batch-fatal.
func (p *Pipeline) Prepare(parent context.Context, input PipelineInput) (PreparedBatch, error) {
	ctx, span := p.tracer.Start(parent, "grader.prepare", trace.WithAttributes(
		attribute.String("archive", input.Archive.Name),
		attribute.Int("max_concurrency", input.MaxConcurrency),
	))
	defer span.End()

	if input.MaxConcurrency <= 0 {
		err := fmt.Errorf("%w: got %d", ErrInvalidConcurrency, input.MaxConcurrency)
		span.SetStatus(codes.Error, err.Error())
		return PreparedBatch{}, err
	}

	students, err := p.normalizer.Normalize(input.Archive)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PreparedBatch{}, err
	}

	evalCtx, err := p.assembler.Assemble(ctx, input.Context)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PreparedBatch{}, err
	}

	span.SetAttributes(attribute.Int("students", len(students)))
	return PreparedBatch{Students: students, Context: evalCtx, MaxConcurrency: input.MaxConcurrency}, nil
}

// Run schedules a prepared batch.
func (p *Pipeline) Run(parent context.Context, batch PreparedBatch, opts ...BatchOption) (models.EvaluationReport, error) {
	ctx, span := p.tracer.Start(parent, "grader.run_batch", trace.WithAttributes(
		attribute.Int("students", len(batch.Students)),
		attribute.Int("max_concurrency", batch.MaxConcurrency),
	))
	defer span.End()

	report, err := p.scheduler.RunBatch(ctx, batch.Students, batch.Context, batch.MaxConcurrency, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.EvaluationReport{}, err
	}

	span.SetAttributes(
		attribute.Int("ok", report.Metadata.Counts.OK),
		attribute.Int("failed", report.Metadata.Counts.ExtractionFailed+report.Metadata.Counts.EvaluationFailed),
		attribute.Int("cancelled", report.Metadata.Counts.Cancelled),
	)
	span.SetStatus(codes.Ok, "batch evaluated")
	return report, nil
}

// Execute prepares and runs a batch in one call.
func (p *Pipeline) Execute(ctx context.Context, input PipelineInput, opts ...BatchOption) (models.EvaluationReport, error) {
	batch, err := p.Prepare(ctx, input)
	if err != nil {
		return models.EvaluationReport{}, err
	}

	p.logger.Info().
		Str("archive", input.Archive.Name).
		Int("students", len(batch.Students)).
		Str("model", batch.Context.ModelID()).
		Msg("batch prepared")

	return p.Run(ctx, batch, opts...)
}
