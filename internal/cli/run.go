package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/noah-isme/gema-grader/internal/bootstrap"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/export"
)

// RunOptions are the flags of the run command.
type RunOptions struct {
	Archive            string
	Layout             string
	RubricFiles        []string
	RubricText         string
	KnowledgeFiles     []string
	KnowledgeURLs      []string
	KnowledgeText      string
	Model              string
	MaxConcurrency     int
	OutputFormat       string
	OutputInstructions string
	CustomInstructions string
	SystemPromptFile   string
	Output             string
	Verbose            bool

	// concurrencySet tells an explicit --concurrency apart from the zero default.
	concurrencySet bool
	evaluator      ai.Evaluator
	out            io.Writer
	loadCfg        func() (config.Config, error)
}

// DefaultRunOptions returns options writing the bundle to the working directory.
func DefaultRunOptions() *RunOptions {
	return &RunOptions{
		Output:  export.BundleFilename,
		out:     os.Stdout,
		loadCfg: config.Load,
	}
}

// NewCmdRun builds the run command.
func NewCmdRun() *cobra.Command {
	o := DefaultRunOptions()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Grade every student of a submission archive and write the export bundle.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.out = cmd.OutOrStdout()
			o.concurrencySet = cmd.Flags().Changed("concurrency")
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

// Bind registers the flags.
func (o *RunOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Archive, "archive", "a", o.Archive, "Path to the zip archive of student submissions.")
	fs.StringVar(&o.Layout, "layout", o.Layout, "Archive layout: auto, flat or moodle.")
	fs.StringSliceVarP(&o.RubricFiles, "rubric", "r", o.RubricFiles, "Rubric document (repeatable).")
	fs.StringVar(&o.RubricText, "rubric-text", o.RubricText, "Rubric given inline.")
	fs.StringSliceVar(&o.KnowledgeFiles, "kb-file", o.KnowledgeFiles, "Knowledge base document (repeatable).")
	fs.StringSliceVar(&o.KnowledgeURLs, "kb-url", o.KnowledgeURLs, "Knowledge base URL, or several separated by whitespace (repeatable).")
	fs.StringVar(&o.KnowledgeText, "kb-text", o.KnowledgeText, "Knowledge base text given inline.")
	fs.StringVarP(&o.Model, "model", "m", o.Model, "Model identifier. Defaults to the configured model.")
	fs.IntVarP(&o.MaxConcurrency, "concurrency", "j", o.MaxConcurrency, "Maximum students evaluated at once. Defaults to the configured value.")
	fs.StringVarP(&o.OutputFormat, "format", "f", o.OutputFormat, "Output format: excel, structured_word or free_word.")
	fs.StringVar(&o.OutputInstructions, "output-instructions", o.OutputInstructions, "Formatting instructions for free_word output.")
	fs.StringVar(&o.CustomInstructions, "instructions", o.CustomInstructions, "Additional grading instructions.")
	fs.StringVar(&o.SystemPromptFile, "system-prompt", o.SystemPromptFile, "System prompt template file.")
	fs.StringVarP(&o.Output, "output", "o", o.Output, "Path of the zip bundle to write.")
	fs.BoolVarP(&o.Verbose, "verbose", "v", o.Verbose, "Log pipeline diagnostics to stderr.")
}

// Validate checks flags that need no configuration.
func (o *RunOptions) Validate() error {
	if strings.TrimSpace(o.Archive) == "" {
		return errors.New("--archive is required")
	}
	if len(o.RubricFiles) == 0 && strings.TrimSpace(o.RubricText) == "" {
		return errors.New("one of --rubric or --rubric-text is required")
	}
	if o.MaxConcurrency < 0 || (o.concurrencySet && o.MaxConcurrency == 0) {
		return fmt.Errorf("--concurrency must be positive, got %d", o.MaxConcurrency)
	}
	if strings.TrimSpace(o.Output) == "" {
		return errors.New("--output must not be empty")
	}
	if _, err := models.ParseArchiveLayout(o.Layout); err != nil {
		return err
	}
	if o.OutputFormat != "" {
		if _, err := export.ParseFormat(o.OutputFormat); err != nil {
			return err
		}
	}
	return nil
}

// Run grades the archive and writes the bundle.
func (o *RunOptions) Run(ctx context.Context) error {
	cfg, err := o.loadCfg()
	if err != nil {
		return err
	}

	logger := zerolog.Nop()
	if o.Verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	if o.SystemPromptFile != "" {
		cfg.SystemPromptFile = o.SystemPromptFile
	}
	systemPrompt, err := bootstrap.SystemPrompt(cfg)
	if err != nil {
		return err
	}

	pipeline, err := bootstrap.NewPipeline(cfg, bootstrap.PipelineDeps{Evaluator: o.evaluator}, logger)
	if err != nil {
		return err
	}

	input, err := o.pipelineInput(cfg, systemPrompt)
	if err != nil {
		return err
	}

	report, err := pipeline.Execute(ctx, input, service.WithProgress(func(completed, total int, result models.StudentResult) {
		fmt.Fprintf(o.out, "[%d/%d] %s: %s\n", completed, total, result.StudentID, result.Status)
	}))
	if err != nil {
		return err
	}

	for _, skipped := range report.Metadata.SkippedSources {
		fmt.Fprintf(o.out, "skipped %s: %s\n", skipped.Source, skipped.Reason)
	}

	bundle, err := export.Bundle(report.Metadata.OutputFormat, report.ExportEvaluations())
	if err != nil {
		return fmt.Errorf("build export bundle: %w", err)
	}
	if err := os.WriteFile(o.Output, bundle, 0o644); err != nil {
		return fmt.Errorf("write export bundle: %w", err)
	}

	counts := report.Metadata.Counts
	fmt.Fprintf(o.out, "graded %d students (%d ok, %d extraction failed, %d evaluation failed, %d cancelled) in %s\n",
		counts.Total, counts.OK, counts.ExtractionFailed, counts.EvaluationFailed, counts.Cancelled,
		report.Metadata.TotalDuration.Round(time.Millisecond))
	fmt.Fprintf(o.out, "wrote %s\n", o.Output)

	return ctx.Err()
}

func (o *RunOptions) pipelineInput(cfg config.Config, systemPrompt string) (service.PipelineInput, error) {
	archive, err := os.ReadFile(o.Archive)
	if err != nil {
		return service.PipelineInput{}, fmt.Errorf("read archive: %w", err)
	}
	layout, err := models.ParseArchiveLayout(o.Layout)
	if err != nil {
		return service.PipelineInput{}, err
	}

	rubricFiles, err := readDocuments(o.RubricFiles)
	if err != nil {
		return service.PipelineInput{}, err
	}
	knowledgeFiles, err := readDocuments(o.KnowledgeFiles)
	if err != nil {
		return service.PipelineInput{}, err
	}

	concurrency := cfg.MaxConcurrency
	if o.concurrencySet || o.MaxConcurrency > 0 {
		concurrency = o.MaxConcurrency
	}
	format := export.Format(cfg.OutputFormat)
	if o.OutputFormat != "" {
		format = export.Format(o.OutputFormat)
	}

	return service.PipelineInput{
		Archive: models.SubmissionArchive{
			Name:    filepath.Base(o.Archive),
			Content: archive,
			Layout:  layout,
		},
		Context: service.ContextInput{
			RubricFiles:        rubricFiles,
			RubricText:         o.RubricText,
			KnowledgeFiles:     knowledgeFiles,
			KnowledgeURLs:      o.KnowledgeURLs,
			KnowledgeText:      o.KnowledgeText,
			ModelID:            o.Model,
			SystemPrompt:       systemPrompt,
			CustomInstructions: o.CustomInstructions,
			OutputFormat:       format,
			OutputInstructions: o.OutputInstructions,
		},
		MaxConcurrency: concurrency,
	}, nil
}

func readDocuments(paths []string) ([]service.DocumentSource, error) {
	documents := make([]service.DocumentSource, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		documents = append(documents, service.DocumentSource{Name: filepath.Base(path), Content: data})
	}
	return documents, nil
}
