package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBodyPart = "word/document.xml"

// ExtractDOCX reads the paragraphs and table rows of a Word document in
// document order. Table rows are rendered as cells joined by " | ".
func ExtractDOCX(content []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %v", ErrCorruptFile, err)
	}

	var body *zip.File
	for _, file := range reader.File {
		if file.Name == docxBodyPart {
			body = file
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("%w: %s missing", ErrCorruptFile, docxBodyPart)
	}

	handle, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrCorruptFile, docxBodyPart, err)
	}
	defer handle.Close()

	return readWordprocessingML(handle)
}

func readWordprocessingML(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)

	var (
		blocks    []string
		paragraph strings.Builder
		cell      []string
		row       []string
		inText    bool
		tableDeep int
	)

	flushParagraph := func() {
		text := strings.TrimSpace(paragraph.String())
		paragraph.Reset()
		if text == "" {
			return
		}
		if tableDeep > 0 {
			cell = append(cell, text)
			return
		}
		blocks = append(blocks, text)
	}

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: decode document xml: %v", ErrCorruptFile, err)
		}

		switch el := token.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "tbl":
				tableDeep++
			case "t":
				inText = true
			case "tab":
				paragraph.WriteString("\t")
			case "br", "cr":
				paragraph.WriteString("\n")
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				flushParagraph()
			case "tc":
				if text := strings.TrimSpace(strings.Join(cell, " ")); text != "" {
					row = append(row, text)
				}
				cell = nil
			case "tr":
				if len(row) > 0 {
					blocks = append(blocks, strings.Join(row, " | "))
				}
				row = nil
			case "tbl":
				if tableDeep > 0 {
					tableDeep--
				}
			}
		case xml.CharData:
			if inText {
				paragraph.Write(el)
			}
		}
	}

	return strings.Join(blocks, "\n\n"), nil
}
