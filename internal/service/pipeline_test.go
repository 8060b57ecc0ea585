package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/export"
)

func newTestPipeline(evaluator *scriptedEvaluator) *Pipeline {
	extractor := textExtractor{}
	runner := newTestRunner(extractor, evaluator, JobRunnerOptions{})
	return NewPipeline(
		NewArchiveNormalizer(0, testLogger()),
		NewContextAssembler(extractor, nil, "gpt-4o", testLogger()),
		NewBatchScheduler(runner, testLogger()),
		testLogger(),
	)
}

func moodleArchive(t *testing.T) models.SubmissionArchive {
	return models.SubmissionArchive{
		Name: "tp1.zip",
		Content: buildZip(t,
			zipEntry{name: "Jean Dupont_123_assignsubmission_file/tp.txt", content: "Jean answer"},
			zipEntry{name: "Marie Martin_456_assignsubmission_file/tp.txt", content: "Marie answer"},
			zipEntry{name: "Paul Durand_789_assignsubmission_file/"},
		),
	}
}

func TestPipelineExecute(t *testing.T) {
	pipeline := newTestPipeline(&scriptedEvaluator{})

	var progress []int
	report, err := pipeline.Execute(context.Background(), PipelineInput{
		Archive:        moodleArchive(t),
		Context:        ContextInput{RubricText: "Structure /10"},
		MaxConcurrency: 2,
	}, WithProgress(func(completed, _ int, _ models.StudentResult) {
		progress = append(progress, completed)
	}))
	require.NoError(t, err)

	require.Len(t, report.Results, 3)
	require.Equal(t, "Jean Dupont", report.Results[0].StudentID)
	require.Equal(t, "Marie Martin", report.Results[1].StudentID)
	require.Equal(t, "Paul Durand", report.Results[2].StudentID)
	require.Equal(t, models.ResultExtractionFailed, report.Results[2].Status)
	require.Equal(t, models.ResultCounts{Total: 3, OK: 2, ExtractionFailed: 1}, report.Metadata.Counts)
	require.Equal(t, []int{1, 2, 3}, progress)
	require.Equal(t, export.FormatExcel, report.Metadata.OutputFormat)
}

func TestPipelineBatchFatalErrors(t *testing.T) {
	evaluator := &scriptedEvaluator{}
	pipeline := newTestPipeline(evaluator)

	_, err := pipeline.Execute(context.Background(), PipelineInput{
		Archive:        moodleArchive(t),
		Context:        ContextInput{RubricText: "A"},
		MaxConcurrency: 0,
	})
	require.ErrorIs(t, err, ErrInvalidConcurrency)

	_, err = pipeline.Execute(context.Background(), PipelineInput{
		Archive:        models.SubmissionArchive{Name: "bad.zip", Content: []byte("not a zip")},
		Context:        ContextInput{RubricText: "A"},
		MaxConcurrency: 2,
	})
	require.ErrorIs(t, err, ErrArchiveFormat)

	_, err = pipeline.Execute(context.Background(), PipelineInput{
		Archive:        moodleArchive(t),
		MaxConcurrency: 2,
	})
	require.ErrorIs(t, err, ErrRubricMissing)

	require.Zero(t, evaluator.callCount())
}

func TestAggregateCountsAndMetadata(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	evalCtx := models.NewEvaluationContext(models.EvaluationContextParams{
		ModelID:      "gpt-4o",
		OutputFormat: export.FormatStructuredWord,
		Skipped:      []models.SkippedSource{{Kind: models.SourceURL, Source: "https://x.test", Reason: "unreachable"}},
	})
	results := []models.StudentResult{
		{StudentID: "a", Status: models.ResultOK},
		{StudentID: "b", Status: models.ResultEvaluationFailed},
		{StudentID: "c", Status: models.ResultExtractionFailed},
		{StudentID: "d", Status: models.ResultCancelled},
		{StudentID: "e", Status: models.ResultOK},
	}

	report := Aggregate(results, started, finished, evalCtx, 4)

	require.Equal(t, results, report.Results)
	require.Equal(t, models.ResultCounts{Total: 5, OK: 2, ExtractionFailed: 1, EvaluationFailed: 1, Cancelled: 1}, report.Metadata.Counts)
	require.Equal(t, 90*time.Second, report.Metadata.TotalDuration)
	require.Equal(t, 4, report.Metadata.Concurrency)
	require.Equal(t, export.FormatStructuredWord, report.Metadata.OutputFormat)
	require.Len(t, report.Metadata.SkippedSources, 1)

	results[0].StudentID = "mutated"
	require.Equal(t, "a", report.Results[0].StudentID)
}
