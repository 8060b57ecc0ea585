package models

import (
	"time"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
)

// ResultStatus is the terminal state of one student's evaluation.
type ResultStatus string

const (
	ResultOK               ResultStatus = "ok"
	ResultExtractionFailed ResultStatus = "extraction_failed"
	ResultEvaluationFailed ResultStatus = "evaluation_failed"
	ResultCancelled        ResultStatus = "cancelled"
)

// StudentResult is the outcome of one student's evaluation job.
type StudentResult struct {
	StudentID   string
	Status      ResultStatus
	Verdict     *ai.Verdict
	ErrorDetail string
	Duration    time.Duration
	Attempts    int
	Files       []string
}

// ExportView adapts the result for the exporters.
func (r StudentResult) ExportView() export.Evaluation {
	return export.Evaluation{
		StudentID:   r.StudentID,
		Status:      string(r.Status),
		Verdict:     r.Verdict,
		ErrorDetail: r.ErrorDetail,
	}
}

// Markdown renders the student-identified markdown block for this result.
func (r StudentResult) Markdown() string {
	return export.Markdown(r.ExportView())
}

// ResultCounts tallies results per status.
type ResultCounts struct {
	Total            int `json:"total"`
	OK               int `json:"ok"`
	ExtractionFailed int `json:"extraction_failed"`
	EvaluationFailed int `json:"evaluation_failed"`
	Cancelled        int `json:"cancelled"`
}

// Add counts one result.
func (c *ResultCounts) Add(status ResultStatus) {
	c.Total++
	switch status {
	case ResultOK:
		c.OK++
	case ResultExtractionFailed:
		c.ExtractionFailed++
	case ResultEvaluationFailed:
		c.EvaluationFailed++
	case ResultCancelled:
		c.Cancelled++
	}
}

// ReportMetadata describes how a batch was run.
type ReportMetadata struct {
	ModelID        string
	OutputFormat   export.Format
	Concurrency    int
	StartedAt      time.Time
	FinishedAt     time.Time
	TotalDuration  time.Duration
	Counts         ResultCounts
	SkippedSources []SkippedSource
}

// EvaluationReport is the ordered, export-ready outcome of a batch.
type EvaluationReport struct {
	Results  []StudentResult
	Metadata ReportMetadata
}

// ExportEvaluations adapts every result for the exporters, keeping report order.
func (r EvaluationReport) ExportEvaluations() []export.Evaluation {
	evaluations := make([]export.Evaluation, 0, len(r.Results))
	for _, result := range r.Results {
		evaluations = append(evaluations, result.ExportView())
	}
	return evaluations
}
