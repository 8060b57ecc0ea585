package export

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/extract"
)

func structuredEvaluation(student string, final float64) Evaluation {
	return Evaluation{
		StudentID: student,
		Status:    "ok",
		Verdict: &ai.Verdict{
			Mode:            ai.ModeStructured,
			GeneralFeedback: "Bon travail, à approfondir.",
			Criteria: []ai.Criterion{
				{Name: "Clarté", Score: 4, MaxScore: 5, Comment: "Bien structuré"},
				{Name: "Rigueur", Score: 3.5, MaxScore: 5, Comment: "Quelques imprécisions"},
			},
			FinalScore: final,
			MaxScore:   20,
		},
	}
}

func failedEvaluation(student string) Evaluation {
	return Evaluation{StudentID: student, Status: "extraction_failed", ErrorDetail: "rapport.pdf: corrupt document"}
}

func readZip(t *testing.T, content []byte) map[string][]byte {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	entries := make(map[string][]byte)
	for _, file := range reader.File {
		require.Equal(t, zip.Store, file.Method, file.Name)
		handle, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(handle)
		require.NoError(t, err)
		require.NoError(t, handle.Close())
		entries[file.Name] = data
	}
	return entries
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat(" Excel ")
	require.NoError(t, err)
	require.Equal(t, FormatExcel, format)

	_, err = ParseFormat("pdf")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "Jean Dupont", SanitizeFilename("Jean Dupont"))
	require.Equal(t, "Zoé_O_Neil-2_", SanitizeFilename("Zoé/O'Neil-2?"))
	require.Equal(t, "student", SanitizeFilename(""))
}

func TestSanitizeSheetName(t *testing.T) {
	require.Equal(t, "a_b_c_d", SanitizeSheetName("a[b]c:d"))
	long := strings.Repeat("é", 40)
	require.Equal(t, 31, len([]rune(SanitizeSheetName(long))))
}

func TestMarkdownStructured(t *testing.T) {
	md := Markdown(structuredEvaluation("Jean Dupont", 15.5))

	require.True(t, strings.HasPrefix(md, "# Evaluation - Jean Dupont\n"))
	require.Contains(t, md, "**15.5 / 20**")
	require.Contains(t, md, "### Rigueur\n\n**Score:** 3.5 / 5")
	require.Contains(t, md, "**Comment:** Bien structuré")
	require.Contains(t, md, "## General feedback\n\nBon travail, à approfondir.")
}

func TestMarkdownFreeFormAndFailure(t *testing.T) {
	free := Markdown(Evaluation{StudentID: "Marie Martin", Status: "ok", Verdict: &ai.Verdict{Mode: ai.ModeFreeForm, FreeText: "Très bien.\n"}})
	require.Equal(t, "# Evaluation - Marie Martin\n\nTrès bien.\n", free)

	failed := Markdown(failedEvaluation("Paul"))
	require.Contains(t, failed, "**Status:** extraction_failed")
	require.Contains(t, failed, "rapport.pdf: corrupt document")
}

func TestExcelWorkbookLayout(t *testing.T) {
	content, err := Excel([]Evaluation{
		structuredEvaluation("Jean Dupont", 16),
		failedEvaluation("Paul"),
		structuredEvaluation("Jean Dupont", 12),
	})
	require.NoError(t, err)

	file, err := excelize.OpenReader(bytes.NewReader(content))
	require.NoError(t, err)
	defer file.Close()

	require.Equal(t, []string{"Summary", "Jean Dupont", "Jean Dupont (2)"}, file.GetSheetList())

	rows, err := file.GetRows("Summary")
	require.NoError(t, err)
	require.Equal(t, []string{"Student", "Final score", "Max score", "Status"}, rows[0])
	require.Equal(t, []string{"Jean Dupont", "16", "20", "ok"}, rows[1])
	require.Equal(t, "Paul", rows[2][0])
	require.Equal(t, "extraction_failed", rows[2][len(rows[2])-1])

	detail, err := file.GetRows("Jean Dupont")
	require.NoError(t, err)
	require.Equal(t, "Evaluation - Jean Dupont", detail[0][0])
	require.Equal(t, []string{"Criterion", "Score", "Max", "Comment"}, detail[2])
	require.Equal(t, []string{"Clarté", "4", "5", "Bien structuré"}, detail[3])

	value, err := file.GetCellValue("Jean Dupont", "B7")
	require.NoError(t, err)
	require.Equal(t, "16 / 20", value)
}

func TestWordStructuredIsReadable(t *testing.T) {
	document, err := Word(structuredEvaluation("Jean Dupont", 16))
	require.NoError(t, err)

	text, err := extract.ExtractDOCX(document)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(text, "Evaluation - Jean Dupont"))
	require.Contains(t, text, "16 / 20")
	require.Contains(t, text, "Score: 3.5 / 5")
	require.Contains(t, text, "Comment: Quelques imprécisions")
}

func TestWordFreeFormHeadings(t *testing.T) {
	document, err := Word(Evaluation{StudentID: "Marie", Verdict: &ai.Verdict{
		Mode:     ai.ModeFreeForm,
		FreeText: "# Bilan\n\nPoints <forts> & faibles\n\n## Suite",
	}})
	require.NoError(t, err)

	text, err := extract.ExtractDOCX(document)
	require.NoError(t, err)
	require.Equal(t, "Evaluation - Marie\n\nBilan\n\nPoints <forts> & faibles\n\nSuite", text)

	_, err = Word(failedEvaluation("Paul"))
	require.Error(t, err)
}

func TestBundleExcel(t *testing.T) {
	content, err := Bundle(FormatExcel, []Evaluation{structuredEvaluation("Jean Dupont", 16), failedEvaluation("Paul")})
	require.NoError(t, err)

	entries := readZip(t, content)
	require.Len(t, entries, 3)
	require.Contains(t, entries, ExcelFilename)
	require.Contains(t, string(entries["markdown/Jean Dupont.txt"]), "**16 / 20**")
	require.Contains(t, string(entries["markdown/Paul.txt"]), "extraction_failed")
}

func TestBundleWordDedupesNames(t *testing.T) {
	content, err := Bundle(FormatStructuredWord, []Evaluation{
		structuredEvaluation("Jean/Dupont", 16),
		structuredEvaluation("Jean_Dupont", 14),
		failedEvaluation("Paul"),
	})
	require.NoError(t, err)

	entries := readZip(t, content)
	require.Contains(t, entries, "word/Jean_Dupont.docx")
	require.Contains(t, entries, "word/Jean_Dupont_2.docx")
	require.NotContains(t, entries, "word/Paul.docx")
	require.Contains(t, entries, "markdown/Paul.txt")
	require.Len(t, entries, 5)
}

func TestBundleUnknownFormat(t *testing.T) {
	_, err := Bundle(Format("csv"), nil)
	require.ErrorIs(t, err, ErrUnknownFormat)
}
