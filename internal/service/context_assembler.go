package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/template"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
	"github.com/noah-isme/gema-grader/pkg/extract"
	"github.com/noah-isme/gema-grader/pkg/fetch"
)

// DefaultSystemPrompt is used when the caller supplies no template.
const DefaultSystemPrompt = `You are an experienced instructor grading the work of {{.StudentID}}.
Grade strictly against the evaluation rubric given in the user message and justify every score.
Use the reference documents when they are provided.
Write constructive feedback addressed to the student.`

// DocumentSource is an uploaded rubric or knowledge-base file.
type DocumentSource struct {
	Name    string
	Content []byte
}

// ContextInput gathers the raw sources an EvaluationContext is built from.
type ContextInput struct {
	RubricFiles        []DocumentSource
	RubricText         string
	KnowledgeFiles     []DocumentSource
	KnowledgeURLs      []string
	KnowledgeText      string
	ModelID            string
	SystemPrompt       string
	CustomInstructions string
	OutputFormat       export.Format
	OutputInstructions string
}

// ContextAssembler resolves rubric and knowledge-base sources into a frozen EvaluationContext.
type ContextAssembler struct {
	extractor    extract.TextExtractor
	fetcher      fetch.Fetcher
	defaultModel string
	logger       zerolog.Logger
}

// NewContextAssembler builds an assembler. A nil fetcher skips every URL source.
func NewContextAssembler(extractor extract.TextExtractor, fetcher fetch.Fetcher, defaultModel string, logger zerolog.Logger) *ContextAssembler {
	if defaultModel == "" {
		defaultModel = ai.DefaultModel
	}
	return &ContextAssembler{
		extractor:    extractor,
		fetcher:      fetcher,
		defaultModel: defaultModel,
		logger:       logger.With().Str("component", "context_assembler").Logger(),
	}
}

// ParseSystemPrompt compiles a system prompt template, falling back to
// DefaultSystemPrompt when text is blank.
func ParseSystemPrompt(text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultSystemPrompt
	}
	tmpl, err := template.New("system_prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPromptTemplate, err)
	}
	// Unknown fields only surface at execution time.
	if err := tmpl.Execute(io.Discard, models.PromptData{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPromptTemplate, err)
	}
	return tmpl, nil
}

// Assemble resolves every source. Only a missing rubric or an invalid
// template fails; unresolvable knowledge sources are recorded as skipped.
func (a *ContextAssembler) Assemble(ctx context.Context, input ContextInput) (*models.EvaluationContext, error) {
	tmpl, err := ParseSystemPrompt(input.SystemPrompt)
	if err != nil {
		return nil, err
	}

	format := input.OutputFormat
	if format == "" {
		format = export.FormatExcel
	}
	if format, err = export.ParseFormat(string(format)); err != nil {
		return nil, err
	}

	var skipped []models.SkippedSource

	rubricParts, rubricSkipped := a.resolveRubric(ctx, input)
	skipped = append(skipped, rubricSkipped...)
	if len(rubricParts) == 0 {
		return nil, ErrRubricMissing
	}

	knowledge, knowledgeSkipped := a.resolveKnowledge(ctx, input)
	skipped = append(skipped, knowledgeSkipped...)

	for _, source := range skipped {
		observability.SkippedSources().WithLabelValues(string(source.Kind)).Inc()
		a.logger.Warn().
			Str("kind", string(source.Kind)).
			Str("source", source.Source).
			Str("reason", source.Reason).
			Msg("source skipped")
	}

	modelID := strings.TrimSpace(input.ModelID)
	if modelID == "" {
		modelID = a.defaultModel
	}

	evalCtx := models.NewEvaluationContext(models.EvaluationContextParams{
		Rubric:             joinRubric(rubricParts),
		Knowledge:          knowledge,
		ModelID:            modelID,
		SystemPrompt:       tmpl,
		CustomInstructions: cleanText(input.CustomInstructions),
		OutputFormat:       format,
		OutputInstructions: cleanText(input.OutputInstructions),
		Skipped:            skipped,
	})

	a.logger.Info().
		Str("model", modelID).
		Str("output_format", string(format)).
		Int("knowledge_snippets", len(knowledge)).
		Int("skipped_sources", len(skipped)).
		Msg("evaluation context assembled")

	return evalCtx, nil
}

type rubricPart struct {
	name string
	text string
}

func (a *ContextAssembler) resolveRubric(ctx context.Context, input ContextInput) ([]rubricPart, []models.SkippedSource) {
	var parts []rubricPart
	var skipped []models.SkippedSource

	for _, file := range input.RubricFiles {
		text, err := a.extractFile(ctx, file)
		if err != nil {
			skipped = append(skipped, models.SkippedSource{Kind: models.SourceFile, Source: file.Name, Reason: "rubric: " + err.Error()})
			continue
		}
		parts = append(parts, rubricPart{name: file.Name, text: text})
	}

	if text := cleanText(input.RubricText); text != "" {
		parts = append(parts, rubricPart{name: "rubric text", text: text})
	}

	return parts, skipped
}

func joinRubric(parts []rubricPart) string {
	if len(parts) == 1 {
		return parts[0].text
	}
	blocks := make([]string, 0, len(parts))
	for _, part := range parts {
		blocks = append(blocks, "=== "+part.name+" ===\n"+part.text)
	}
	return strings.Join(blocks, "\n\n")
}

func (a *ContextAssembler) resolveKnowledge(ctx context.Context, input ContextInput) ([]models.KnowledgeSnippet, []models.SkippedSource) {
	var snippets []models.KnowledgeSnippet
	var skipped []models.SkippedSource

	for _, file := range input.KnowledgeFiles {
		text, err := a.extractFile(ctx, file)
		if err != nil {
			skipped = append(skipped, models.SkippedSource{Kind: models.SourceFile, Source: file.Name, Reason: err.Error()})
			continue
		}
		snippets = append(snippets, models.KnowledgeSnippet{Kind: models.SourceFile, Source: file.Name, Text: text})
	}

	for _, url := range a.collectURLs(input.KnowledgeURLs, &skipped) {
		if a.fetcher == nil {
			skipped = append(skipped, models.SkippedSource{Kind: models.SourceURL, Source: url, Reason: "url fetching is disabled"})
			continue
		}
		text, err := a.fetcher.Fetch(ctx, url)
		if err != nil {
			skipped = append(skipped, models.SkippedSource{Kind: models.SourceURL, Source: url, Reason: err.Error()})
			continue
		}
		snippets = append(snippets, models.KnowledgeSnippet{Kind: models.SourceURL, Source: url, Text: text})
	}

	if text := cleanText(input.KnowledgeText); text != "" {
		snippets = append(snippets, models.KnowledgeSnippet{Kind: models.SourceText, Source: "pasted text", Text: text})
	}

	return snippets, skipped
}

// collectURLs accepts entries holding one or more whitespace separated URLs.
func (a *ContextAssembler) collectURLs(entries []string, skipped *[]models.SkippedSource) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		parsed := fetch.ParseURLs(entry)
		if len(parsed) == 0 {
			*skipped = append(*skipped, models.SkippedSource{Kind: models.SourceURL, Source: strings.TrimSpace(entry), Reason: "not a valid http(s) url"})
			continue
		}
		for _, url := range parsed {
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			urls = append(urls, url)
		}
	}
	return urls
}

func (a *ContextAssembler) extractFile(ctx context.Context, file DocumentSource) (string, error) {
	format := extract.DetectFormat(file.Name, file.Content)
	text, err := a.extractor.Extract(ctx, file.Name, file.Content, format)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%s: no readable text", file.Name)
	}
	return text, nil
}

// cleanText drops control characters from pasted text. Markup is kept verbatim.
func cleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}
