package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
)

// RunStatus is the lifecycle state of a persisted evaluation run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Finished reports whether the run reached a terminal state.
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled || s == RunStatusFailed
}

// EvaluationRun is the persisted record of one batch evaluation.
type EvaluationRun struct {
	ID               string              `gorm:"primaryKey;size:36" json:"id"`
	Status           RunStatus           `gorm:"size:32;not null;index" json:"status"`
	ArchiveName      string              `gorm:"size:255" json:"archive_name"`
	ModelID          string              `gorm:"size:128" json:"model_id"`
	OutputFormat     string              `gorm:"size:32" json:"output_format"`
	Concurrency      int                 `json:"concurrency"`
	Total            int                 `json:"total"`
	Completed        int                 `json:"completed"`
	OK               int                 `json:"ok"`
	ExtractionFailed int                 `json:"extraction_failed"`
	EvaluationFailed int                 `json:"evaluation_failed"`
	Cancelled        int                 `json:"cancelled"`
	SkippedSources   datatypes.JSON      `gorm:"type:json" json:"-"`
	ErrorDetail      string              `gorm:"type:text" json:"error_detail"`
	ExportURL        string              `gorm:"size:512" json:"export_url"`
	StartedAt        *time.Time          `json:"started_at"`
	FinishedAt       *time.Time          `json:"finished_at"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	Students         []StudentEvaluation `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"students"`
}

// SetSkippedSources serializes the skipped sources into the JSON column.
func (r *EvaluationRun) SetSkippedSources(sources []SkippedSource) {
	if len(sources) == 0 {
		r.SkippedSources = datatypes.JSON([]byte("[]"))
		return
	}
	data, err := json.Marshal(sources)
	if err != nil {
		r.SkippedSources = datatypes.JSON([]byte("[]"))
		return
	}
	r.SkippedSources = datatypes.JSON(data)
}

// SkippedSourceList deserializes the stored skipped sources.
func (r EvaluationRun) SkippedSourceList() []SkippedSource {
	if len(r.SkippedSources) == 0 {
		return nil
	}
	var sources []SkippedSource
	if err := json.Unmarshal(r.SkippedSources, &sources); err != nil {
		return nil
	}
	return sources
}

// ApplyReport copies the report's metadata and per-student results onto the run.
func (r *EvaluationRun) ApplyReport(report EvaluationReport) error {
	meta := report.Metadata
	r.ModelID = meta.ModelID
	r.OutputFormat = string(meta.OutputFormat)
	r.Concurrency = meta.Concurrency
	r.Total = meta.Counts.Total
	r.Completed = meta.Counts.Total
	r.OK = meta.Counts.OK
	r.ExtractionFailed = meta.Counts.ExtractionFailed
	r.EvaluationFailed = meta.Counts.EvaluationFailed
	r.Cancelled = meta.Counts.Cancelled
	r.SetSkippedSources(meta.SkippedSources)
	if !meta.StartedAt.IsZero() {
		started := meta.StartedAt
		r.StartedAt = &started
	}
	if !meta.FinishedAt.IsZero() {
		finished := meta.FinishedAt
		r.FinishedAt = &finished
	}

	students := make([]StudentEvaluation, 0, len(report.Results))
	for i, result := range report.Results {
		student, err := NewStudentEvaluation(r.ID, i, result)
		if err != nil {
			return err
		}
		students = append(students, student)
	}
	r.Students = students
	return nil
}

// Report rebuilds the evaluation report from the persisted rows.
func (r EvaluationRun) Report() (EvaluationReport, error) {
	report := EvaluationReport{
		Metadata: ReportMetadata{
			ModelID:        r.ModelID,
			OutputFormat:   export.Format(r.OutputFormat),
			Concurrency:    r.Concurrency,
			SkippedSources: r.SkippedSourceList(),
		},
	}
	if r.StartedAt != nil {
		report.Metadata.StartedAt = *r.StartedAt
	}
	if r.FinishedAt != nil {
		report.Metadata.FinishedAt = *r.FinishedAt
		report.Metadata.TotalDuration = report.Metadata.FinishedAt.Sub(report.Metadata.StartedAt)
	}

	report.Results = make([]StudentResult, 0, len(r.Students))
	for _, student := range r.Students {
		result, err := student.Result()
		if err != nil {
			return EvaluationReport{}, err
		}
		report.Metadata.Counts.Add(result.Status)
		report.Results = append(report.Results, result)
	}
	return report, nil
}

// StudentEvaluation is the persisted result of one student within a run.
type StudentEvaluation struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	RunID       string         `gorm:"size:36;not null;index" json:"run_id"`
	Position    int            `gorm:"not null" json:"position"`
	StudentID   string         `gorm:"size:255;not null" json:"student_id"`
	Status      ResultStatus   `gorm:"size:32;not null" json:"status"`
	Verdict     datatypes.JSON `gorm:"type:json" json:"-"`
	Files       datatypes.JSON `gorm:"type:json" json:"-"`
	ErrorDetail string         `gorm:"type:text" json:"error_detail"`
	DurationMs  int64          `json:"duration_ms"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewStudentEvaluation converts an in-memory result into its persisted form.
func NewStudentEvaluation(runID string, position int, result StudentResult) (StudentEvaluation, error) {
	record := StudentEvaluation{
		RunID:       runID,
		Position:    position,
		StudentID:   result.StudentID,
		Status:      result.Status,
		ErrorDetail: result.ErrorDetail,
		DurationMs:  result.Duration.Milliseconds(),
		Attempts:    result.Attempts,
	}

	if result.Verdict != nil {
		data, err := json.Marshal(result.Verdict)
		if err != nil {
			return StudentEvaluation{}, fmt.Errorf("encode verdict for %s: %w", result.StudentID, err)
		}
		record.Verdict = datatypes.JSON(data)
	}

	files, err := json.Marshal(append([]string{}, result.Files...))
	if err != nil {
		return StudentEvaluation{}, fmt.Errorf("encode files for %s: %w", result.StudentID, err)
	}
	record.Files = datatypes.JSON(files)

	return record, nil
}

// Result converts the persisted row back into a StudentResult.
func (s StudentEvaluation) Result() (StudentResult, error) {
	result := StudentResult{
		StudentID:   s.StudentID,
		Status:      s.Status,
		ErrorDetail: s.ErrorDetail,
		Duration:    time.Duration(s.DurationMs) * time.Millisecond,
		Attempts:    s.Attempts,
	}

	if len(s.Verdict) > 0 && string(s.Verdict) != "null" {
		var verdict ai.Verdict
		if err := json.Unmarshal(s.Verdict, &verdict); err != nil {
			return StudentResult{}, fmt.Errorf("decode verdict for %s: %w", s.StudentID, err)
		}
		result.Verdict = &verdict
	}
	if len(s.Files) > 0 {
		if err := json.Unmarshal(s.Files, &result.Files); err != nil {
			return StudentResult{}, fmt.Errorf("decode files for %s: %w", s.StudentID, err)
		}
	}

	return result, nil
}
