package export

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

// Format names an export bundle layout.
type Format string

const (
	FormatExcel          Format = "excel"
	FormatStructuredWord Format = "structured_word"
	FormatFreeWord       Format = "free_word"
)

// ErrUnknownFormat indicates an unsupported export format.
var ErrUnknownFormat = errors.New("unknown export format")

const (
	// ExcelFilename is the workbook entry name inside an excel bundle.
	ExcelFilename = "evaluations.xlsx"
	// BundleFilename is the suggested download name of a bundle.
	BundleFilename = "evaluations.zip"
)

// ParseFormat validates a user supplied format name.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case FormatExcel:
		return FormatExcel, nil
	case FormatStructuredWord:
		return FormatStructuredWord, nil
	case FormatFreeWord:
		return FormatFreeWord, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, value)
	}
}

// Evaluation is the export view of one student's result.
type Evaluation struct {
	StudentID   string
	Status      string
	Verdict     *ai.Verdict
	ErrorDetail string
}

func (e Evaluation) structured() bool {
	return e.Verdict != nil && e.Verdict.Mode != ai.ModeFreeForm
}

// Bundle packages the evaluations as a zip archive with stored entries:
// the main documents for the requested format plus markdown/<student>.txt
// for every student.
func Bundle(format Format, evaluations []Evaluation) ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	names := uniqueFilenames(evaluations)

	switch format {
	case FormatExcel:
		workbook, err := Excel(evaluations)
		if err != nil {
			return nil, err
		}
		if err := writeStored(writer, ExcelFilename, workbook); err != nil {
			return nil, err
		}
	case FormatStructuredWord, FormatFreeWord:
		for i, evaluation := range evaluations {
			if evaluation.Verdict == nil {
				continue
			}
			document, err := Word(evaluation)
			if err != nil {
				return nil, fmt.Errorf("word document for %s: %w", evaluation.StudentID, err)
			}
			if err := writeStored(writer, "word/"+names[i]+".docx", document); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	for i, evaluation := range evaluations {
		if err := writeStored(writer, "markdown/"+names[i]+".txt", []byte(Markdown(evaluation))); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func writeStored(writer *zip.Writer, name string, content []byte) error {
	entry, err := writer.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := entry.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// SanitizeFilename keeps letters, digits, spaces, dashes and underscores,
// replacing everything else with an underscore.
func SanitizeFilename(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	if strings.TrimSpace(sanitized) == "" {
		return "student"
	}
	return sanitized
}

func uniqueFilenames(evaluations []Evaluation) []string {
	used := make(map[string]struct{}, len(evaluations))
	names := make([]string, len(evaluations))
	for i, evaluation := range evaluations {
		base := SanitizeFilename(evaluation.StudentID)
		name := base
		for n := 2; ; n++ {
			if _, taken := used[strings.ToLower(name)]; !taken {
				break
			}
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[strings.ToLower(name)] = struct{}{}
		names[i] = name
	}
	return names
}

func formatScore(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
