package models

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
)

// SourceKind tags where a knowledge snippet came from.
type SourceKind string

const (
	SourceFile SourceKind = "file"
	SourceURL  SourceKind = "url"
	SourceText SourceKind = "text"
)

// KnowledgeSnippet is one resolved piece of reference material.
type KnowledgeSnippet struct {
	Kind   SourceKind
	Source string
	Text   string
}

// SkippedSource records a knowledge-base or rubric source that could not be resolved.
type SkippedSource struct {
	Kind   SourceKind `json:"kind"`
	Source string     `json:"source"`
	Reason string     `json:"reason"`
}

// PromptData is rendered into the system prompt template for every student.
type PromptData struct {
	StudentID          string
	Rubric             string
	KnowledgeBase      string
	CustomInstructions string
	OutputInstructions string
}

// EvaluationContextParams carries the values frozen into an EvaluationContext.
type EvaluationContextParams struct {
	Rubric             string
	Knowledge          []KnowledgeSnippet
	ModelID            string
	SystemPrompt       *template.Template
	CustomInstructions string
	OutputFormat       export.Format
	OutputInstructions string
	Skipped            []SkippedSource
}

// EvaluationContext is the immutable, batch-wide grading context shared by all jobs.
type EvaluationContext struct {
	rubric             string
	knowledge          []KnowledgeSnippet
	modelID            string
	systemPrompt       *template.Template
	customInstructions string
	outputFormat       export.Format
	outputInstructions string
	skipped            []SkippedSource
}

// NewEvaluationContext copies params into a read-only context.
func NewEvaluationContext(params EvaluationContextParams) *EvaluationContext {
	return &EvaluationContext{
		rubric:             params.Rubric,
		knowledge:          append([]KnowledgeSnippet(nil), params.Knowledge...),
		modelID:            params.ModelID,
		systemPrompt:       params.SystemPrompt,
		customInstructions: params.CustomInstructions,
		outputFormat:       params.OutputFormat,
		outputInstructions: params.OutputInstructions,
		skipped:            append([]SkippedSource(nil), params.Skipped...),
	}
}

// Rubric returns the assembled rubric text.
func (c *EvaluationContext) Rubric() string {
	return c.rubric
}

// ModelID returns the model every job is evaluated with.
func (c *EvaluationContext) ModelID() string {
	return c.modelID
}

func (c *EvaluationContext) CustomInstructions() string {
	return c.customInstructions
}

func (c *EvaluationContext) OutputFormat() export.Format {
	return c.outputFormat
}

func (c *EvaluationContext) OutputInstructions() string {
	return c.outputInstructions
}

// Mode reports the evaluator answer mode implied by the output format.
func (c *EvaluationContext) Mode() ai.Mode {
	if c.outputFormat == export.FormatFreeWord {
		return ai.ModeFreeForm
	}
	return ai.ModeStructured
}

// Knowledge returns a copy of the resolved snippets in source order.
func (c *EvaluationContext) Knowledge() []KnowledgeSnippet {
	return append([]KnowledgeSnippet(nil), c.knowledge...)
}

// SkippedSources returns a copy of the sources dropped during assembly.
func (c *EvaluationContext) SkippedSources() []SkippedSource {
	return append([]SkippedSource(nil), c.skipped...)
}

// RenderSystemPrompt executes the system prompt template. Templates are safe
// for concurrent execution.
func (c *EvaluationContext) RenderSystemPrompt(data PromptData) (string, error) {
	if c.systemPrompt == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := c.systemPrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}
