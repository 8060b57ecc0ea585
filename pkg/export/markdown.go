package export

import (
	"strings"
)

// Markdown renders one student's evaluation as a markdown document.
// Structured verdicts list the final score then each criterion; free-form
// verdicts embed the model text; students without a verdict show their
// status and failure detail.
func Markdown(evaluation Evaluation) string {
	var lines []string
	add := func(values ...string) {
		lines = append(lines, values...)
	}

	add("# Evaluation - "+evaluation.StudentID, "")

	switch {
	case evaluation.Verdict == nil:
		add("**Status:** "+evaluation.Status, "")
		if detail := strings.TrimSpace(evaluation.ErrorDetail); detail != "" {
			add(detail, "")
		}
	case !evaluation.structured():
		add(strings.TrimSpace(evaluation.Verdict.FreeText), "")
	default:
		verdict := evaluation.Verdict
		add("## Final score", "", "**"+formatScore(verdict.FinalScore)+" / "+formatScore(verdict.MaxScore)+"**", "")
		add("## Criteria", "")
		for _, criterion := range verdict.Criteria {
			add("### "+criterion.Name, "")
			add("**Score:** "+formatScore(criterion.Score)+" / "+formatScore(criterion.MaxScore), "")
			add("**Comment:** "+criterion.Comment, "")
		}
		add("## General feedback", "", verdict.GeneralFeedback, "")
	}

	return strings.Join(lines, "\n")
}
