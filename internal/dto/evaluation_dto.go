package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

// EvaluationCreateRequest captures the form fields of a new batch evaluation.
// Files travel separately as multipart parts.
type EvaluationCreateRequest struct {
	Layout             string   `form:"layout" json:"layout" validate:"omitempty,oneof=auto flat moodle"`
	RubricText         string   `form:"rubric_text" json:"rubric_text" validate:"max=200000"`
	KnowledgeText      string   `form:"knowledge_text" json:"knowledge_text" validate:"max=500000"`
	KnowledgeURLs      []string `form:"knowledge_urls" json:"knowledge_urls" validate:"max=50,dive,max=2048"`
	ModelID            string   `form:"model" json:"model" validate:"max=128"`
	MaxConcurrency     *int     `form:"max_concurrency" json:"max_concurrency"`
	OutputFormat       string   `form:"output_format" json:"output_format" validate:"omitempty,oneof=excel structured_word free_word"`
	OutputInstructions string   `form:"output_instructions" json:"output_instructions" validate:"max=20000"`
	CustomInstructions string   `form:"custom_instructions" json:"custom_instructions" validate:"max=20000"`
	SystemPrompt       string   `form:"system_prompt" json:"system_prompt" validate:"max=20000"`
}

// EvaluationListRequest filters the run listing.
type EvaluationListRequest struct {
	Status   string `validate:"omitempty,oneof=queued running completed cancelled failed"`
	Page     int    `validate:"gte=0"`
	PageSize int    `validate:"gte=0,lte=100"`
}

// RunProgress reports how far a run has advanced.
type RunProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// StudentResultResponse serializes one student's outcome.
type StudentResultResponse struct {
	StudentID   string      `json:"student_id"`
	Status      string      `json:"status"`
	Verdict     *ai.Verdict `json:"verdict,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
	Attempts    int         `json:"attempts"`
	Files       []string    `json:"files"`
	Markdown    string      `json:"markdown"`
}

// EvaluationRunResponse serializes a run and, once available, its results.
type EvaluationRunResponse struct {
	ID             string                  `json:"id"`
	Status         string                  `json:"status"`
	ArchiveName    string                  `json:"archive_name"`
	ModelID        string                  `json:"model_id"`
	OutputFormat   string                  `json:"output_format"`
	Concurrency    int                     `json:"concurrency"`
	Progress       RunProgress             `json:"progress"`
	Counts         models.ResultCounts     `json:"counts"`
	SkippedSources []models.SkippedSource  `json:"skipped_sources"`
	ErrorDetail    string                  `json:"error_detail,omitempty"`
	ExportURL      string                  `json:"export_url,omitempty"`
	StartedAt      *time.Time              `json:"started_at"`
	FinishedAt     *time.Time              `json:"finished_at"`
	CreatedAt      time.Time               `json:"created_at"`
	Results        []StudentResultResponse `json:"results,omitempty"`
}

// NewEvaluationRunResponse converts a persisted run. Results are included
// only when the run's student rows were loaded.
func NewEvaluationRunResponse(run models.EvaluationRun) (EvaluationRunResponse, error) {
	response := EvaluationRunResponse{
		ID:           run.ID,
		Status:       string(run.Status),
		ArchiveName:  run.ArchiveName,
		ModelID:      run.ModelID,
		OutputFormat: run.OutputFormat,
		Concurrency:  run.Concurrency,
		Progress:     RunProgress{Completed: run.Completed, Total: run.Total},
		Counts: models.ResultCounts{
			Total:            run.Total,
			OK:               run.OK,
			ExtractionFailed: run.ExtractionFailed,
			EvaluationFailed: run.EvaluationFailed,
			Cancelled:        run.Cancelled,
		},
		SkippedSources: run.SkippedSourceList(),
		ErrorDetail:    run.ErrorDetail,
		ExportURL:      run.ExportURL,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		CreatedAt:      run.CreatedAt,
	}
	if response.SkippedSources == nil {
		response.SkippedSources = []models.SkippedSource{}
	}

	if len(run.Students) == 0 {
		return response, nil
	}

	response.Results = make([]StudentResultResponse, 0, len(run.Students))
	for _, student := range run.Students {
		result, err := student.Result()
		if err != nil {
			return EvaluationRunResponse{}, err
		}
		response.Results = append(response.Results, NewStudentResultResponse(result))
	}

	return response, nil
}

// NewStudentResultResponse converts an in-memory result.
func NewStudentResultResponse(result models.StudentResult) StudentResultResponse {
	files := result.Files
	if files == nil {
		files = []string{}
	}
	return StudentResultResponse{
		StudentID:   result.StudentID,
		Status:      string(result.Status),
		Verdict:     result.Verdict,
		ErrorDetail: result.ErrorDetail,
		DurationMs:  result.Duration.Milliseconds(),
		Attempts:    result.Attempts,
		Files:       files,
		Markdown:    result.Markdown(),
	}
}
