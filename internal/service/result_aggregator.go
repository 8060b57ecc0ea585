package service

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// Aggregate assembles ordered results and run metadata into a report.
func Aggregate(results []models.StudentResult, startedAt, finishedAt time.Time, evalCtx *models.EvaluationContext, concurrency int) models.EvaluationReport {
	var counts models.ResultCounts
	for _, result := range results {
		counts.Add(result.Status)
	}

	metadata := models.ReportMetadata{
		Concurrency:   concurrency,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		TotalDuration: finishedAt.Sub(startedAt),
		Counts:        counts,
	}
	if evalCtx != nil {
		metadata.ModelID = evalCtx.ModelID()
		metadata.OutputFormat = evalCtx.OutputFormat()
		metadata.SkippedSources = evalCtx.SkippedSources()
	}

	return models.EvaluationReport{
		Results:  append([]models.StudentResult(nil), results...),
		Metadata: metadata,
	}
}
