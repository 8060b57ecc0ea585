package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/export"
)

const defaultMaxUploadBytes int64 = 100 << 20

// FileStorage persists export bundles and returns a public URL.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// EvaluationUploads are the multipart files of a create request.
type EvaluationUploads struct {
	Archive        *multipart.FileHeader
	RubricFiles    []*multipart.FileHeader
	KnowledgeFiles []*multipart.FileHeader
}

// ExportBundle is a downloadable zip of a finished run.
type ExportBundle struct {
	Filename string
	Content  []byte
	URL      string
}

// EvaluationServiceConfig holds request defaults and limits.
type EvaluationServiceConfig struct {
	DefaultConcurrency  int
	DefaultOutputFormat export.Format
	DefaultSystemPrompt string
	MaxUploadBytes      int64
}

// EvaluationService runs batch evaluations in the background and serves their results.
type EvaluationService interface {
	Create(ctx context.Context, payload dto.EvaluationCreateRequest, uploads EvaluationUploads) (dto.EvaluationRunResponse, error)
	Get(ctx context.Context, id string) (dto.EvaluationRunResponse, error)
	List(ctx context.Context, req dto.EvaluationListRequest) ([]dto.EvaluationRunResponse, dto.PaginationMeta, error)
	Cancel(ctx context.Context, id string) (dto.EvaluationRunResponse, error)
	Export(ctx context.Context, id string) (ExportBundle, error)
	Delete(ctx context.Context, id string) error
	Subscribe(runID string) (<-chan ProgressEvent, func())
	Shutdown(ctx context.Context) error
}

type evaluationService struct {
	pipeline  *Pipeline
	runs      repository.EvaluationRunRepository
	progress  *ProgressHub
	storage   FileStorage
	validator *validator.Validate
	cfg       EvaluationServiceConfig
	logger    zerolog.Logger
	tracer    trace.Tracer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEvaluationService wires the evaluation service. Storage may be nil.
func NewEvaluationService(
	pipeline *Pipeline,
	runs repository.EvaluationRunRepository,
	progress *ProgressHub,
	storage FileStorage,
	validate *validator.Validate,
	cfg EvaluationServiceConfig,
	logger zerolog.Logger,
) EvaluationService {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 5
	}
	if cfg.DefaultOutputFormat == "" {
		cfg.DefaultOutputFormat = export.FormatExcel
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &evaluationService{
		pipeline:  pipeline,
		runs:      runs,
		progress:  progress,
		storage:   storage,
		validator: validate,
		cfg:       cfg,
		logger:    logger.With().Str("component", "evaluation_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-grader/internal/service/evaluation"),
		baseCtx:   baseCtx,
		stop:      stop,
		cancels:   make(map[string]context.CancelFunc),
	}
}

func (s *evaluationService) Create(ctx context.Context, payload dto.EvaluationCreateRequest, uploads EvaluationUploads) (dto.EvaluationRunResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluations.create")
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.EvaluationRunResponse{}, err
	}

	input, err := s.pipelineInput(payload, uploads)
	if err != nil {
		return dto.EvaluationRunResponse{}, err
	}

	batch, err := s.pipeline.Prepare(ctx, input)
	if err != nil {
		return dto.EvaluationRunResponse{}, err
	}

	run := models.EvaluationRun{
		ID:           uuid.NewString(),
		Status:       models.RunStatusQueued,
		ArchiveName:  input.Archive.Name,
		ModelID:      batch.Context.ModelID(),
		OutputFormat: string(batch.Context.OutputFormat()),
		Concurrency:  batch.MaxConcurrency,
		Total:        len(batch.Students),
	}
	run.SetSkippedSources(batch.Context.SkippedSources())

	if err := s.runs.Create(ctx, &run); err != nil {
		return dto.EvaluationRunResponse{}, err
	}
	span.SetAttributes(attribute.String("run_id", run.ID), attribute.Int("students", run.Total))

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, run, batch)

	s.logger.Info().
		Str("run_id", run.ID).
		Str("archive", run.ArchiveName).
		Int("students", run.Total).
		Int("max_concurrency", run.Concurrency).
		Msg("evaluation run queued")

	return dto.NewEvaluationRunResponse(run)
}

func (s *evaluationService) pipelineInput(payload dto.EvaluationCreateRequest, uploads EvaluationUploads) (PipelineInput, error) {
	if uploads.Archive == nil {
		return PipelineInput{}, ErrArchiveRequired
	}

	data, err := s.readUpload(uploads.Archive)
	if err != nil {
		return PipelineInput{}, err
	}
	if err := ensureZipArchive(uploads.Archive.Filename, data); err != nil {
		return PipelineInput{}, err
	}

	layout, err := models.ParseArchiveLayout(payload.Layout)
	if err != nil {
		return PipelineInput{}, err
	}

	rubricFiles, err := s.readDocuments(uploads.RubricFiles)
	if err != nil {
		return PipelineInput{}, err
	}
	knowledgeFiles, err := s.readDocuments(uploads.KnowledgeFiles)
	if err != nil {
		return PipelineInput{}, err
	}

	concurrency := s.cfg.DefaultConcurrency
	if payload.MaxConcurrency != nil {
		concurrency = *payload.MaxConcurrency
	}

	format := export.Format(payload.OutputFormat)
	if format == "" {
		format = s.cfg.DefaultOutputFormat
	}

	systemPrompt := payload.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = s.cfg.DefaultSystemPrompt
	}

	return PipelineInput{
		Archive: models.SubmissionArchive{
			Name:    uploads.Archive.Filename,
			Content: data,
			Layout:  layout,
		},
		Context: ContextInput{
			RubricFiles:        rubricFiles,
			RubricText:         payload.RubricText,
			KnowledgeFiles:     knowledgeFiles,
			KnowledgeURLs:      payload.KnowledgeURLs,
			KnowledgeText:      payload.KnowledgeText,
			ModelID:            payload.ModelID,
			SystemPrompt:       systemPrompt,
			CustomInstructions: payload.CustomInstructions,
			OutputFormat:       format,
			OutputInstructions: payload.OutputInstructions,
		},
		MaxConcurrency: concurrency,
	}, nil
}

func (s *evaluationService) readDocuments(files []*multipart.FileHeader) ([]DocumentSource, error) {
	documents := make([]DocumentSource, 0, len(files))
	for _, file := range files {
		if file == nil {
			continue
		}
		data, err := s.readUpload(file)
		if err != nil {
			return nil, err
		}
		documents = append(documents, DocumentSource{Name: file.Filename, Content: data})
	}
	return documents, nil
}

func (s *evaluationService) readUpload(file *multipart.FileHeader) ([]byte, error) {
	if file.Size > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %s", ErrUploadTooLarge, file.Filename)
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file.Filename, err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file.Filename, err)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %s", ErrUploadTooLarge, file.Filename)
	}

	return data, nil
}

func ensureZipArchive(filename string, data []byte) error {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != ".zip" {
		return ErrUnsupportedArchive
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty upload", ErrArchiveFormat)
	}

	for detected := mimetype.Detect(data); detected != nil; detected = detected.Parent() {
		if detected.Is("application/zip") || detected.Is("application/x-zip-compressed") {
			return nil
		}
	}
	return ErrUnsupportedArchive
}

func (s *evaluationService) execute(ctx context.Context, run models.EvaluationRun, batch PreparedBatch) {
	defer s.wg.Done()
	defer s.release(run.ID)

	persistCtx := context.WithoutCancel(ctx)
	logger := s.logger.With().Str("run_id", run.ID).Logger()

	started := time.Now().UTC()
	if err := s.runs.Update(persistCtx, run.ID, map[string]interface{}{
		"status":     models.RunStatusRunning,
		"started_at": started,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark run as running")
	}
	s.progress.Publish(persistCtx, ProgressEvent{RunID: run.ID, Type: ProgressRunStarted, Total: run.Total})

	report, err := s.pipeline.Run(ctx, batch, WithProgress(func(completed, total int, result models.StudentResult) {
		record, err := models.NewStudentEvaluation(run.ID, completed-1, result)
		if err == nil {
			err = s.runs.RecordStudent(persistCtx, &record, completed)
		}
		if err != nil {
			logger.Error().Err(err).Str("student_id", result.StudentID).Msg("failed to record student result")
		}

		s.progress.Publish(persistCtx, ProgressEvent{
			RunID:     run.ID,
			Type:      ProgressStudentCompleted,
			StudentID: result.StudentID,
			Status:    string(result.Status),
			Completed: completed,
			Total:     total,
		})
	}))

	status := models.RunStatusCompleted
	switch {
	case err != nil:
		status = models.RunStatusFailed
		run.ErrorDetail = err.Error()
		finished := time.Now().UTC()
		run.StartedAt = &started
		run.FinishedAt = &finished
		run.Students = nil
	case ctx.Err() != nil && report.Metadata.Counts.Cancelled > 0:
		status = models.RunStatusCancelled
	}

	if err == nil {
		if applyErr := run.ApplyReport(report); applyErr != nil {
			status = models.RunStatusFailed
			run.ErrorDetail = applyErr.Error()
		}
	}
	run.Status = status

	if err := s.runs.SaveReport(persistCtx, &run); err != nil {
		logger.Error().Err(err).Msg("failed to persist evaluation report")
	}

	observability.Runs().WithLabelValues(string(status)).Inc()
	s.progress.Publish(persistCtx, ProgressEvent{
		RunID:     run.ID,
		Type:      ProgressRunFinished,
		Status:    string(status),
		Completed: run.Completed,
		Total:     run.Total,
	})

	logger.Info().
		Str("status", string(status)).
		Int("ok", run.OK).
		Int("extraction_failed", run.ExtractionFailed).
		Int("evaluation_failed", run.EvaluationFailed).
		Int("cancelled", run.Cancelled).
		Msg("evaluation run finished")
}

func (s *evaluationService) release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[runID]; ok {
		cancel()
		delete(s.cancels, runID)
	}
}

func (s *evaluationService) Get(ctx context.Context, id string) (dto.EvaluationRunResponse, error) {
	run, err := s.load(ctx, id)
	if err != nil {
		return dto.EvaluationRunResponse{}, err
	}
	return dto.NewEvaluationRunResponse(run)
}

func (s *evaluationService) List(ctx context.Context, req dto.EvaluationListRequest) ([]dto.EvaluationRunResponse, dto.PaginationMeta, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, dto.PaginationMeta{}, err
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	runs, total, err := s.runs.List(ctx, repository.EvaluationRunFilter{
		Status:   models.RunStatus(req.Status),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, dto.PaginationMeta{}, err
	}

	responses := make([]dto.EvaluationRunResponse, 0, len(runs))
	for _, run := range runs {
		response, err := dto.NewEvaluationRunResponse(run)
		if err != nil {
			return nil, dto.PaginationMeta{}, err
		}
		responses = append(responses, response)
	}

	return responses, dto.NewPaginationMeta(page, pageSize, total), nil
}

func (s *evaluationService) Cancel(ctx context.Context, id string) (dto.EvaluationRunResponse, error) {
	run, err := s.load(ctx, id)
	if err != nil {
		return dto.EvaluationRunResponse{}, err
	}

	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()

	if !ok || run.Status.Finished() {
		return dto.EvaluationRunResponse{}, ErrRunNotCancellable
	}

	cancel()
	s.logger.Info().Str("run_id", id).Msg("evaluation run cancellation requested")

	return dto.NewEvaluationRunResponse(run)
}

func (s *evaluationService) Export(ctx context.Context, id string) (ExportBundle, error) {
	ctx, span := s.tracer.Start(ctx, "evaluations.export", trace.WithAttributes(attribute.String("run_id", id)))
	defer span.End()

	run, err := s.load(ctx, id)
	if err != nil {
		return ExportBundle{}, err
	}
	if !run.Status.Finished() || run.Status == models.RunStatusFailed {
		return ExportBundle{}, ErrRunNotFinished
	}

	report, err := run.Report()
	if err != nil {
		return ExportBundle{}, err
	}

	format, err := export.ParseFormat(run.OutputFormat)
	if err != nil {
		return ExportBundle{}, err
	}

	content, err := export.Bundle(format, report.ExportEvaluations())
	if err != nil {
		return ExportBundle{}, fmt.Errorf("build export bundle: %w", err)
	}

	bundle := ExportBundle{Filename: export.BundleFilename, Content: content, URL: run.ExportURL}
	if s.storage == nil || bundle.URL != "" {
		return bundle, nil
	}

	url, err := s.storage.Upload(ctx, run.ID+"-"+export.BundleFilename, bytes.NewReader(content))
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", id).Msg("failed to upload export bundle")
		return bundle, nil
	}
	bundle.URL = url
	if err := s.runs.Update(ctx, id, map[string]interface{}{"export_url": url}); err != nil {
		s.logger.Warn().Err(err).Str("run_id", id).Msg("failed to store export url")
	}

	return bundle, nil
}

// Delete removes a finished run and its student rows.
func (s *evaluationService) Delete(ctx context.Context, id string) error {
	run, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	if !run.Status.Finished() {
		return ErrRunActive
	}

	if err := s.runs.Delete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRunNotFound
		}
		return err
	}

	s.logger.Info().Str("run_id", id).Msg("evaluation run deleted")
	return nil
}

func (s *evaluationService) Subscribe(runID string) (<-chan ProgressEvent, func()) {
	return s.progress.Subscribe(runID)
}

// Shutdown cancels every active run and waits for their reports to be stored.
func (s *evaluationService) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *evaluationService) load(ctx context.Context, id string) (models.EvaluationRun, error) {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.EvaluationRun{}, ErrRunNotFound
		}
		return models.EvaluationRun{}, err
	}
	return run, nil
}
