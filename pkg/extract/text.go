package extract

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ExtractPlainText decodes text and markdown files, replacing invalid UTF-8.
func ExtractPlainText(content []byte) (string, error) {
	content = bytes.TrimPrefix(content, utf8BOM)
	if utf8.Valid(content) {
		return string(content), nil
	}
	return strings.ToValidUTF8(string(content), "�"), nil
}

// collapseLines trims every line and drops the blank ones.
func collapseLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
