package export

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet      = "Summary"
	maxSheetNameRunes = 31
	headerColor       = "4472C4"
)

// Excel builds a workbook with a summary sheet listing every student and
// one detail sheet per structured verdict.
func Excel(evaluations []Evaluation) ([]byte, error) {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName(file.GetSheetName(0), summarySheet); err != nil {
		return nil, fmt.Errorf("rename summary sheet: %w", err)
	}

	styles, err := newWorkbookStyles(file)
	if err != nil {
		return nil, err
	}

	if err := writeSummary(file, styles, evaluations); err != nil {
		return nil, err
	}

	used := map[string]struct{}{strings.ToLower(summarySheet): {}}
	for _, evaluation := range evaluations {
		if !evaluation.structured() {
			continue
		}
		name := uniqueSheetName(evaluation.StudentID, used)
		if _, err := file.NewSheet(name); err != nil {
			return nil, fmt.Errorf("create sheet %q: %w", name, err)
		}
		if err := writeStudentSheet(file, styles, name, evaluation); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

type workbookStyles struct {
	header int
	title  int
	bold   int
	wrap   int
}

func newWorkbookStyles(file *excelize.File) (workbookStyles, error) {
	var styles workbookStyles
	var err error

	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}

	if styles.header, err = file.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 12, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{headerColor}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border:    border,
	}); err != nil {
		return styles, fmt.Errorf("header style: %w", err)
	}
	if styles.title, err = file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}}); err != nil {
		return styles, fmt.Errorf("title style: %w", err)
	}
	if styles.bold, err = file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 12}}); err != nil {
		return styles, fmt.Errorf("bold style: %w", err)
	}
	if styles.wrap, err = file.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
		Border:    border,
	}); err != nil {
		return styles, fmt.Errorf("wrap style: %w", err)
	}

	return styles, nil
}

func writeSummary(file *excelize.File, styles workbookStyles, evaluations []Evaluation) error {
	headers := []any{"Student", "Final score", "Max score", "Status"}
	if err := file.SetSheetRow(summarySheet, "A1", &headers); err != nil {
		return fmt.Errorf("summary header: %w", err)
	}
	if err := file.SetCellStyle(summarySheet, "A1", "D1", styles.header); err != nil {
		return fmt.Errorf("summary header style: %w", err)
	}

	for i, evaluation := range evaluations {
		row := []any{evaluation.StudentID, "", "", evaluation.Status}
		if evaluation.structured() {
			row[1] = evaluation.Verdict.FinalScore
			row[2] = evaluation.Verdict.MaxScore
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := file.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("summary row %d: %w", i+2, err)
		}
	}

	if err := file.SetColWidth(summarySheet, "A", "A", 30); err != nil {
		return err
	}
	return file.SetColWidth(summarySheet, "B", "D", 15)
}

func writeStudentSheet(file *excelize.File, styles workbookStyles, sheet string, evaluation Evaluation) error {
	verdict := evaluation.Verdict

	if err := file.SetCellValue(sheet, "A1", "Evaluation - "+evaluation.StudentID); err != nil {
		return err
	}
	if err := file.SetCellStyle(sheet, "A1", "A1", styles.title); err != nil {
		return err
	}
	if err := file.MergeCell(sheet, "A1", "D1"); err != nil {
		return err
	}

	headers := []any{"Criterion", "Score", "Max", "Comment"}
	if err := file.SetSheetRow(sheet, "A3", &headers); err != nil {
		return err
	}
	if err := file.SetCellStyle(sheet, "A3", "D3", styles.header); err != nil {
		return err
	}

	row := 4
	for _, criterion := range verdict.Criteria {
		values := []any{criterion.Name, criterion.Score, criterion.MaxScore, criterion.Comment}
		if err := file.SetSheetRow(sheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return err
		}
		if err := file.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("D%d", row), styles.wrap); err != nil {
			return err
		}
		row++
	}

	row++
	if err := file.SetCellValue(sheet, fmt.Sprintf("A%d", row), "Final score"); err != nil {
		return err
	}
	if err := file.SetCellValue(sheet, fmt.Sprintf("B%d", row), formatScore(verdict.FinalScore)+" / "+formatScore(verdict.MaxScore)); err != nil {
		return err
	}
	if err := file.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("B%d", row), styles.bold); err != nil {
		return err
	}

	row += 2
	if err := file.SetCellValue(sheet, fmt.Sprintf("A%d", row), "General feedback"); err != nil {
		return err
	}
	if err := file.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("A%d", row), styles.bold); err != nil {
		return err
	}

	row++
	feedbackCell := fmt.Sprintf("A%d", row)
	if err := file.SetCellValue(sheet, feedbackCell, verdict.GeneralFeedback); err != nil {
		return err
	}
	if err := file.MergeCell(sheet, feedbackCell, fmt.Sprintf("D%d", row+5)); err != nil {
		return err
	}
	if err := file.SetCellStyle(sheet, feedbackCell, feedbackCell, styles.wrap); err != nil {
		return err
	}

	widths := map[string]float64{"A": 25, "B": 10, "C": 12, "D": 50}
	for col, width := range widths {
		if err := file.SetColWidth(sheet, col, col, width); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeSheetName replaces the characters Excel rejects in sheet names
// and truncates to 31 characters.
func SanitizeSheetName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	sanitized = strings.Trim(sanitized, "'")
	if sanitized == "" {
		sanitized = "Student"
	}
	return truncateRunes(sanitized, maxSheetNameRunes)
}

func uniqueSheetName(studentID string, used map[string]struct{}) string {
	base := SanitizeSheetName(studentID)
	name := base
	for n := 2; ; n++ {
		if _, taken := used[strings.ToLower(name)]; !taken {
			break
		}
		suffix := fmt.Sprintf(" (%d)", n)
		name = truncateRunes(base, maxSheetNameRunes-utf8.RuneCountInString(suffix)) + suffix
	}
	used[strings.ToLower(name)] = struct{}{}
	return name
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
