package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// Format identifies the document family of a file.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatXLSX     Format = "xlsx"
	FormatXLS      Format = "xls"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatUnknown  Format = "unknown"
)

var (
	// ErrUnsupportedFormat indicates no extractor is registered for the format.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorruptFile indicates the document could not be decoded.
	ErrCorruptFile = errors.New("corrupt document")
)

// TextExtractor turns raw document bytes into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, filename string, content []byte, format Format) (string, error)
}

// Func adapts a plain function into a single-format extractor.
type Func func(content []byte) (string, error)

var extensionFormats = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".xlsx": FormatXLSX,
	".xls":  FormatXLS,
	".html": FormatHTML,
	".htm":  FormatHTML,
	".txt":  FormatText,
	".md":   FormatMarkdown,
}

// DetectFormat resolves a format from the file extension, sniffing the
// content with mimetype when the extension is missing.
func DetectFormat(filename string, content []byte) Format {
	ext := strings.ToLower(filepath.Ext(filename))
	if format, ok := extensionFormats[ext]; ok {
		return format
	}
	if ext != "" || len(content) == 0 {
		return FormatUnknown
	}

	detected := mimetype.Detect(content)
	switch {
	case detected.Is("application/pdf"):
		return FormatPDF
	case detected.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return FormatDOCX
	case detected.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return FormatXLSX
	case detected.Is("application/vnd.ms-excel"):
		return FormatXLS
	case detected.Is("text/html"):
		return FormatHTML
	case detected.Is("text/plain"):
		return FormatText
	default:
		return FormatUnknown
	}
}

// unsupportedReasons explains formats that are recognised but have no extractor.
var unsupportedReasons = map[Format]string{
	FormatXLS: "legacy .xls workbooks cannot be read, save the file as .xlsx",
}

// Registry dispatches extraction to a per-format implementation.
type Registry struct {
	extractors map[Format]Func
	logger     zerolog.Logger
}

// NewRegistry builds a registry wired with every built-in extractor.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{
		extractors: make(map[Format]Func),
		logger:     logger.With().Str("component", "text_extractor").Logger(),
	}
	r.Register(FormatText, ExtractPlainText)
	r.Register(FormatMarkdown, ExtractPlainText)
	r.Register(FormatHTML, ExtractHTML)
	r.Register(FormatDOCX, ExtractDOCX)
	r.Register(FormatXLSX, ExtractXLSX)
	r.Register(FormatPDF, ExtractPDF)
	return r
}

// Register installs or replaces the extractor for a format.
func (r *Registry) Register(format Format, fn Func) {
	r.extractors[format] = fn
}

// Extract implements TextExtractor.
func (r *Registry) Extract(ctx context.Context, filename string, content []byte, format Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fn, ok := r.extractors[format]
	if !ok {
		if reason, known := unsupportedReasons[format]; known {
			return "", fmt.Errorf("%s: %w: %s", filename, ErrUnsupportedFormat, reason)
		}
		return "", fmt.Errorf("%s (%s): %w", filename, format, ErrUnsupportedFormat)
	}

	text, err := fn(content)
	if err != nil {
		r.logger.Debug().Err(err).Str("file", filename).Str("format", string(format)).Msg("extraction failed")
		if errors.Is(err, ErrCorruptFile) {
			return "", fmt.Errorf("%s: %w", filename, err)
		}
		return "", fmt.Errorf("%s: %w: %v", filename, ErrCorruptFile, err)
	}

	return strings.TrimSpace(text), nil
}
