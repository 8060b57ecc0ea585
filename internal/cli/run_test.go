package cli

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
)

type fixedEvaluator struct {
	mu       sync.Mutex
	requests []ai.Request
}

func (e *fixedEvaluator) Evaluate(_ context.Context, req ai.Request) (ai.Verdict, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return ai.Verdict{
		Mode:            ai.ModeStructured,
		GeneralFeedback: "Solid work.",
		Criteria:        []ai.Criterion{{Name: "Clarity", Score: 8, MaxScore: 10, Comment: "Clear."}},
		FinalScore:      8,
		MaxScore:        10,
	}, nil
}

func testConfig() (config.Config, error) {
	return config.Config{
		DefaultModel:           "gpt-4o",
		MaxConcurrency:         2,
		OutputFormat:           "excel",
		RetryMaxAttempts:       1,
		RetryMultiplier:        2,
		ArchiveMaxUncompressed: 10 << 20,
	}, nil
}

func writeArchive(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	path := filepath.Join(dir, "submissions.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestRunWritesBundle(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{
		"Jean Dupont/rapport.txt":  "Mon rapport.",
		"Marie Martin/rapport.txt": "Un autre rapport.",
	})

	evaluator := &fixedEvaluator{}
	var out bytes.Buffer
	o := DefaultRunOptions()
	o.Archive = archive
	o.RubricText = "Clarity /10"
	o.Output = filepath.Join(dir, "out.zip")
	o.Model = "gpt-4o-mini"
	o.evaluator = evaluator
	o.out = &out
	o.loadCfg = testConfig

	require.NoError(t, o.Validate())
	require.NoError(t, o.Run(context.Background()))

	require.Len(t, evaluator.requests, 2)
	for _, req := range evaluator.requests {
		require.Equal(t, "gpt-4o-mini", req.ModelID)
		require.Equal(t, ai.ModeStructured, req.Mode)
	}

	data, err := os.ReadFile(o.Output)
	require.NoError(t, err)
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make([]string, 0, len(reader.File))
	for _, file := range reader.File {
		entries = append(entries, file.Name)
	}
	require.ElementsMatch(t, []string{
		export.ExcelFilename,
		"markdown/Jean Dupont.txt",
		"markdown/Marie Martin.txt",
	}, entries)

	require.Contains(t, out.String(), "/2] Jean Dupont: ok")
	require.Contains(t, out.String(), "graded 2 students (2 ok")
}

func TestRunFailsWithoutRubric(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{"Jean Dupont/rapport.txt": "x"})

	o := DefaultRunOptions()
	o.Archive = archive
	o.RubricFiles = []string{filepath.Join(dir, "empty.txt")}
	require.NoError(t, os.WriteFile(o.RubricFiles[0], []byte("   "), 0o600))
	o.Output = filepath.Join(dir, "out.zip")
	o.evaluator = &fixedEvaluator{}
	o.out = &bytes.Buffer{}
	o.loadCfg = testConfig

	require.NoError(t, o.Validate())
	require.Error(t, o.Run(context.Background()))
	_, err := os.Stat(o.Output)
	require.True(t, os.IsNotExist(err))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RunOptions)
	}{
		{name: "archive", mutate: func(o *RunOptions) { o.Archive = "" }},
		{name: "rubric", mutate: func(o *RunOptions) { o.RubricText = "" }},
		{name: "concurrency", mutate: func(o *RunOptions) { o.MaxConcurrency = -1 }},
		{name: "layout", mutate: func(o *RunOptions) { o.Layout = "nested" }},
		{name: "format", mutate: func(o *RunOptions) { o.OutputFormat = "pdf" }},
		{name: "output", mutate: func(o *RunOptions) { o.Output = " " }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultRunOptions()
			o.Archive = "batch.zip"
			o.RubricText = "Clarity /10"
			require.NoError(t, o.Validate())

			tc.mutate(o)
			require.Error(t, o.Validate())
		})
	}
}

func TestRunRejectsExplicitZeroConcurrency(t *testing.T) {
	for _, value := range []string{"0", "-3"} {
		root := NewRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs([]string{"run", "--archive", "batch.zip", "--rubric-text", "Clarity /10", "--concurrency=" + value})

		err := root.ExecuteContext(context.Background())
		require.Error(t, err, value)
		require.Contains(t, err.Error(), "--concurrency must be positive")
	}
}

func TestNewRootCmdFlags(t *testing.T) {
	root := NewRootCmd()
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.Equal(t, "run", run.Name())

	for _, name := range []string{"archive", "rubric", "kb-file", "kb-url", "kb-text", "model", "concurrency", "format", "instructions", "output", "layout"} {
		require.NotNil(t, run.Flags().Lookup(name), name)
	}
}
