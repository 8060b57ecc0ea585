package extract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// ExtractPDF returns the plain text layer of a PDF. Scanned documents
// without a text layer yield an empty string.
func ExtractPDF(content []byte) (text string, err error) {
	defer func() {
		// the pdf reader panics on some malformed cross-reference tables
		if recovered := recover(); recovered != nil {
			text = ""
			err = fmt.Errorf("%w: read pdf: %v", ErrCorruptFile, recovered)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", ErrCorruptFile, err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: read pdf text: %v", ErrCorruptFile, err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("%w: read pdf text: %v", ErrCorruptFile, err)
	}

	return buf.String(), nil
}
