package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ExtractXLSX renders every non-empty sheet as a header line followed by
// one " | "-joined line per non-empty row.
func ExtractXLSX(content []byte) (string, error) {
	workbook, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: open workbook: %v", ErrCorruptFile, err)
	}
	defer workbook.Close()

	var sheets []string
	for _, name := range workbook.GetSheetList() {
		rows, err := workbook.GetRows(name)
		if err != nil {
			return "", fmt.Errorf("%w: read sheet %q: %v", ErrCorruptFile, name, err)
		}

		lines := []string{fmt.Sprintf("=== Sheet: %s ===", name)}
		for _, row := range rows {
			values := make([]string, 0, len(row))
			for _, value := range row {
				if value = strings.TrimSpace(value); value != "" {
					values = append(values, value)
				}
			}
			if len(values) > 0 {
				lines = append(lines, strings.Join(values, " | "))
			}
		}

		if len(lines) > 1 {
			sheets = append(sheets, strings.Join(lines, "\n"))
		}
	}

	return strings.Join(sheets, "\n\n"), nil
}
