package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grader/internal/models"
)

// StudentRunner evaluates one student. Implementations must not return until
// the result is final and must be safe for concurrent use.
type StudentRunner interface {
	Run(ctx context.Context, student models.StudentSubmission, evalCtx *models.EvaluationContext) models.StudentResult
}

// ProgressFunc observes each completed student. Calls are serialized.
type ProgressFunc func(completed, total int, result models.StudentResult)

// BatchOption customizes a single RunBatch call.
type BatchOption func(*batchOptions)

type batchOptions struct {
	progress ProgressFunc
}

// WithProgress registers a completion callback.
func WithProgress(fn ProgressFunc) BatchOption {
	return func(o *batchOptions) {
		o.progress = fn
	}
}

// BatchScheduler fans student jobs out to a bounded worker pool.
type BatchScheduler struct {
	runner StudentRunner
	now    func() time.Time
	logger zerolog.Logger
}

// NewBatchScheduler constructs a scheduler around runner.
func NewBatchScheduler(runner StudentRunner, logger zerolog.Logger) *BatchScheduler {
	return &BatchScheduler{
		runner: runner,
		now:    time.Now,
		logger: logger.With().Str("component", "batch_scheduler").Logger(),
	}
}

type indexedResult struct {
	index  int
	result models.StudentResult
}

// RunBatch evaluates every student with at most maxConcurrency jobs in
// flight. Results are returned in the input order. Cancelling ctx stops
// dispatch; students never dispatched are reported as cancelled.
func (s *BatchScheduler) RunBatch(ctx context.Context, students []models.StudentSubmission, evalCtx *models.EvaluationContext, maxConcurrency int, opts ...BatchOption) (models.EvaluationReport, error) {
	if maxConcurrency <= 0 {
		return models.EvaluationReport{}, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, maxConcurrency)
	}
	if evalCtx == nil {
		return models.EvaluationReport{}, errors.New("evaluation context is required")
	}

	var options batchOptions
	for _, opt := range opts {
		opt(&options)
	}

	startedAt := s.now()
	total := len(students)
	workers := min(maxConcurrency, total)

	queue := make(chan int, total)
	for i := range students {
		queue <- i
	}
	close(queue)

	completed := make(chan indexedResult, total)
	collected := make([]indexedResult, 0, total)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for item := range completed {
			collected = append(collected, item)
			if options.progress != nil {
				options.progress(len(collected), total, item.result)
			}
		}
	}()

	s.logger.Info().Int("students", total).Int("workers", workers).Msg("batch started")

	group, gctx := errgroup.WithContext(ctx)
	for range workers {
		group.Go(func() error {
			for index := range queue {
				if gctx.Err() != nil {
					return nil
				}
				completed <- indexedResult{index: index, result: s.runner.Run(gctx, students[index], evalCtx)}
			}
			return nil
		})
	}
	_ = group.Wait()
	close(completed)
	<-collectorDone

	dispatched := make([]bool, total)
	for _, item := range collected {
		dispatched[item.index] = true
	}
	for index, ok := range dispatched {
		if ok {
			continue
		}
		collected = append(collected, indexedResult{index: index, result: models.StudentResult{
			StudentID:   students[index].StudentID,
			Status:      models.ResultCancelled,
			ErrorDetail: "batch cancelled before the job was dispatched",
			Files:       students[index].FileNames(),
		}})
	}

	slices.SortFunc(collected, func(a, b indexedResult) int {
		return cmp.Compare(a.index, b.index)
	})

	results := make([]models.StudentResult, 0, total)
	for _, item := range collected {
		results = append(results, item.result)
	}

	report := Aggregate(results, startedAt, s.now(), evalCtx, maxConcurrency)

	s.logger.Info().
		Int("ok", report.Metadata.Counts.OK).
		Int("extraction_failed", report.Metadata.Counts.ExtractionFailed).
		Int("evaluation_failed", report.Metadata.Counts.EvaluationFailed).
		Int("cancelled", report.Metadata.Counts.Cancelled).
		Dur("duration", report.Metadata.TotalDuration).
		Msg("batch finished")

	return report, nil
}
