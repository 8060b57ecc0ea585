package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	wordContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/><Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/></Types>`

	wordPackageRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>`

	wordDocumentRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/></Relationships>`

	wordStyles = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/><w:rPr><w:sz w:val="22"/></w:rPr></w:style><w:style w:type="paragraph" w:styleId="Title"><w:name w:val="Title"/><w:basedOn w:val="Normal"/><w:pPr><w:jc w:val="center"/></w:pPr><w:rPr><w:b/><w:sz w:val="40"/></w:rPr></w:style><w:style w:type="paragraph" w:styleId="Heading1"><w:name w:val="heading 1"/><w:basedOn w:val="Normal"/><w:rPr><w:b/><w:sz w:val="32"/></w:rPr></w:style><w:style w:type="paragraph" w:styleId="Heading2"><w:name w:val="heading 2"/><w:basedOn w:val="Normal"/><w:rPr><w:b/><w:sz w:val="28"/></w:rPr></w:style><w:style w:type="paragraph" w:styleId="Heading3"><w:name w:val="heading 3"/><w:basedOn w:val="Normal"/><w:rPr><w:b/><w:sz w:val="24"/></w:rPr></w:style></w:styles>`

	wordDocumentOpen  = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" + `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`
	wordDocumentClose = `<w:sectPr><w:pgSz w:w="11906" w:h="16838"/><w:pgMar w:top="1440" w:right="1440" w:bottom="1440" w:left="1440"/></w:sectPr></w:body></w:document>`
)

type run struct {
	text string
	bold bool
	size int
}

type wordDocument struct {
	body bytes.Buffer
}

func (d *wordDocument) heading(level int, text string) {
	style := "Title"
	if level > 0 {
		style = fmt.Sprintf("Heading%d", min(level, 3))
	}
	d.paragraph(style, run{text: text})
}

func (d *wordDocument) paragraph(style string, runs ...run) {
	d.body.WriteString("<w:p>")
	if style != "" {
		d.body.WriteString(`<w:pPr><w:pStyle w:val="` + style + `"/></w:pPr>`)
	}
	for _, r := range runs {
		d.body.WriteString("<w:r>")
		if r.bold || r.size > 0 {
			d.body.WriteString("<w:rPr>")
			if r.bold {
				d.body.WriteString("<w:b/>")
			}
			if r.size > 0 {
				fmt.Fprintf(&d.body, `<w:sz w:val="%d"/>`, r.size*2)
			}
			d.body.WriteString("</w:rPr>")
		}
		for i, line := range strings.Split(r.text, "\n") {
			if i > 0 {
				d.body.WriteString("<w:br/>")
			}
			d.body.WriteString(`<w:t xml:space="preserve">`)
			_ = xml.EscapeText(&d.body, []byte(line))
			d.body.WriteString("</w:t>")
		}
		d.body.WriteString("</w:r>")
	}
	d.body.WriteString("</w:p>")
}

func (d *wordDocument) bytes() ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	parts := []struct {
		name    string
		content string
	}{
		{"[Content_Types].xml", wordContentTypes},
		{"_rels/.rels", wordPackageRels},
		{"word/_rels/document.xml.rels", wordDocumentRels},
		{"word/styles.xml", wordStyles},
		{"word/document.xml", wordDocumentOpen + d.body.String() + wordDocumentClose},
	}
	for _, part := range parts {
		entry, err := writer.Create(part.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", part.name, err)
		}
		if _, err := entry.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("write %s: %w", part.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close docx: %w", err)
	}
	return buf.Bytes(), nil
}

// Word renders a student's verdict as a .docx document.
func Word(evaluation Evaluation) ([]byte, error) {
	if evaluation.Verdict == nil {
		return nil, fmt.Errorf("no verdict for %s", evaluation.StudentID)
	}

	doc := &wordDocument{}
	doc.heading(0, "Evaluation - "+evaluation.StudentID)

	if evaluation.structured() {
		writeStructuredWord(doc, evaluation)
	} else {
		writeFreeFormWord(doc, evaluation.Verdict.FreeText)
	}

	return doc.bytes()
}

func writeStructuredWord(doc *wordDocument, evaluation Evaluation) {
	verdict := evaluation.Verdict

	doc.heading(1, "Final score")
	doc.paragraph("", run{text: formatScore(verdict.FinalScore) + " / " + formatScore(verdict.MaxScore), bold: true, size: 16})

	doc.heading(1, "Criteria")
	for _, criterion := range verdict.Criteria {
		doc.heading(2, criterion.Name)
		doc.paragraph("", run{text: "Score: ", bold: true}, run{text: formatScore(criterion.Score) + " / " + formatScore(criterion.MaxScore)})
		doc.paragraph("", run{text: "Comment: ", bold: true}, run{text: criterion.Comment})
	}

	doc.heading(1, "General feedback")
	doc.paragraph("", run{text: verdict.GeneralFeedback})
}

// writeFreeFormWord splits the text on blank lines and promotes markdown
// style "#" prefixes to headings.
func writeFreeFormWord(doc *wordDocument, text string) {
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		switch {
		case block == "":
		case strings.HasPrefix(block, "### "):
			doc.heading(3, strings.TrimPrefix(block, "### "))
		case strings.HasPrefix(block, "## "):
			doc.heading(2, strings.TrimPrefix(block, "## "))
		case strings.HasPrefix(block, "# "):
			doc.heading(1, strings.TrimPrefix(block, "# "))
		default:
			doc.paragraph("", run{text: block})
		}
	}
}
