package models

import (
	"testing"
	"text/template"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
)

func TestParseArchiveLayout(t *testing.T) {
	layout, err := ParseArchiveLayout("Moodle")
	require.NoError(t, err)
	require.Equal(t, LayoutMoodle, layout)

	layout, err = ParseArchiveLayout("auto")
	require.NoError(t, err)
	require.Equal(t, LayoutAuto, layout)

	_, err = ParseArchiveLayout("canvas")
	require.Error(t, err)
}

func TestEvaluationContextIsReadOnly(t *testing.T) {
	knowledge := []KnowledgeSnippet{{Kind: SourceText, Source: "notes", Text: "a"}}
	ctx := NewEvaluationContext(EvaluationContextParams{
		Rubric:       "rubric",
		Knowledge:    knowledge,
		OutputFormat: export.FormatFreeWord,
		Skipped:      []SkippedSource{{Kind: SourceURL, Source: "https://x", Reason: "404"}},
	})

	knowledge[0].Text = "mutated"
	copied := ctx.Knowledge()
	copied[0].Text = "mutated again"
	skipped := ctx.SkippedSources()
	skipped[0].Reason = "changed"

	require.Equal(t, "a", ctx.Knowledge()[0].Text)
	require.Equal(t, "404", ctx.SkippedSources()[0].Reason)
	require.Equal(t, ai.ModeFreeForm, ctx.Mode())
}

func TestRenderSystemPrompt(t *testing.T) {
	tmpl := template.Must(template.New("system").Parse("Grade {{.StudentID}} against: {{.Rubric}}"))
	ctx := NewEvaluationContext(EvaluationContextParams{SystemPrompt: tmpl, OutputFormat: export.FormatExcel})

	rendered, err := ctx.RenderSystemPrompt(PromptData{StudentID: "Jean Dupont", Rubric: "R"})
	require.NoError(t, err)
	require.Equal(t, "Grade Jean Dupont against: R", rendered)
	require.Equal(t, ai.ModeStructured, ctx.Mode())
}

func TestEvaluationRunReportRoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	report := EvaluationReport{
		Results: []StudentResult{
			{StudentID: "Jean Dupont", Status: ResultOK, Attempts: 2, Duration: 1500 * time.Millisecond, Files: []string{"rapport.pdf"},
				Verdict: &ai.Verdict{Mode: ai.ModeStructured, FinalScore: 14, MaxScore: 20, GeneralFeedback: "ok"}},
			{StudentID: "Marie Martin", Status: ResultExtractionFailed, ErrorDetail: "no readable files"},
		},
		Metadata: ReportMetadata{
			ModelID:        "gpt-4o",
			OutputFormat:   export.FormatExcel,
			Concurrency:    3,
			StartedAt:      started,
			FinishedAt:     started.Add(time.Minute),
			Counts:         ResultCounts{Total: 2, OK: 1, ExtractionFailed: 1},
			SkippedSources: []SkippedSource{{Kind: SourceFile, Source: "kb.bin", Reason: "unsupported"}},
		},
	}

	run := EvaluationRun{ID: "run-1"}
	require.NoError(t, run.ApplyReport(report))
	require.Equal(t, 2, run.Total)
	require.Equal(t, 1, run.ExtractionFailed)
	require.Len(t, run.Students, 2)
	require.Equal(t, "run-1", run.Students[1].RunID)
	require.Equal(t, 1, run.Students[1].Position)

	rebuilt, err := run.Report()
	require.NoError(t, err)
	require.Equal(t, report.Metadata.Counts, rebuilt.Metadata.Counts)
	require.Equal(t, time.Minute, rebuilt.Metadata.TotalDuration)
	require.Equal(t, report.Metadata.SkippedSources, rebuilt.Metadata.SkippedSources)
	require.Equal(t, report.Results[0].Verdict, rebuilt.Results[0].Verdict)
	require.Equal(t, []string{"rapport.pdf"}, rebuilt.Results[0].Files)
	require.Nil(t, rebuilt.Results[1].Verdict)
	require.Equal(t, 1500*time.Millisecond, rebuilt.Results[0].Duration)
}

func TestStudentResultMarkdown(t *testing.T) {
	result := StudentResult{StudentID: "Paul", Status: ResultCancelled}
	require.Contains(t, result.Markdown(), "# Evaluation - Paul")
	require.Contains(t, result.Markdown(), "**Status:** cancelled")
}
