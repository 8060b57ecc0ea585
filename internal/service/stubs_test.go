package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
	"github.com/noah-isme/gema-grader/pkg/extract"
)

// textExtractor returns file content as text; names listed in broken fail.
type textExtractor struct {
	broken map[string]bool
}

func (e textExtractor) Extract(ctx context.Context, filename string, content []byte, _ extract.Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.broken[filename] {
		return "", fmt.Errorf("%s: %w", filename, extract.ErrCorruptFile)
	}
	return strings.TrimSpace(string(content)), nil
}

// scriptedEvaluator replays errs in order, then succeeds.
type scriptedEvaluator struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	requests []ai.Request
	delay    time.Duration
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, req ai.Request) (ai.Verdict, error) {
	e.mu.Lock()
	e.calls++
	e.requests = append(e.requests, req)
	var err error
	if len(e.errs) > 0 {
		err = e.errs[0]
		e.errs = e.errs[1:]
	}
	delay := e.delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ai.Verdict{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return ai.Verdict{}, err
	}
	if req.Mode == ai.ModeFreeForm {
		return ai.Verdict{Mode: ai.ModeFreeForm, FreeText: "# Feedback"}, nil
	}
	return ai.Verdict{
		Mode:            ai.ModeStructured,
		GeneralFeedback: "Solid work",
		Criteria:        []ai.Criterion{{Name: "Structure", Score: 8, MaxScore: 10, Comment: "Clear"}},
		FinalScore:      8,
		MaxScore:        10,
	}, nil
}

func (e *scriptedEvaluator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestContext(format export.Format) *models.EvaluationContext {
	tmpl, err := ParseSystemPrompt("")
	if err != nil {
		panic(err)
	}
	return models.NewEvaluationContext(models.EvaluationContextParams{
		Rubric:       "Structure /10",
		Knowledge:    []models.KnowledgeSnippet{{Kind: models.SourceText, Source: "pasted text", Text: "Reference answer"}},
		ModelID:      "gpt-4o",
		SystemPrompt: tmpl,
		OutputFormat: format,
	})
}

func student(id string, files ...models.SubmissionFile) models.StudentSubmission {
	return models.StudentSubmission{StudentID: id, Files: files}
}

func textFile(name, content string) models.SubmissionFile {
	return models.SubmissionFile{Name: name, Content: []byte(content), Format: extract.FormatText}
}

var errTransient = fmt.Errorf("openai evaluate: %w", ai.ErrRateLimited)

var errPermanent = errors.New("openai evaluate: model not found")
