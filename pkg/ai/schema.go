package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const verdictSchemaName = "evaluation_result"

// verdictSchema is sent to the model as a strict response format and used
// to validate whatever comes back.
const verdictSchema = `{
  "type": "object",
  "properties": {
    "general_feedback": {"type": "string", "description": "General feedback about the student's work"},
    "criteria": {
      "type": "array",
      "description": "List of criterion evaluations",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string", "description": "Name of the evaluation criterion"},
          "score": {"type": "number", "description": "Score for this criterion"},
          "max_score": {"type": "number", "description": "Maximum possible score for this criterion"},
          "comment": {"type": "string", "description": "Comment explaining the score"}
        },
        "required": ["name", "score", "max_score", "comment"],
        "additionalProperties": false
      }
    },
    "final_score": {"type": "number", "description": "Final grade"},
    "max_score": {"type": "number", "description": "Maximum possible grade"}
  },
  "required": ["general_feedback", "criteria", "final_score", "max_score"],
  "additionalProperties": false
}`

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func verdictValidator() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(verdictSchemaName+".json", strings.NewReader(verdictSchema)); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = compiler.Compile(verdictSchemaName + ".json")
	})
	return compiledSchema, compileErr
}

type verdictPayload struct {
	GeneralFeedback string      `json:"general_feedback"`
	Criteria        []Criterion `json:"criteria"`
	FinalScore      float64     `json:"final_score"`
	MaxScore        float64     `json:"max_score"`
}

// ParseStructuredVerdict validates model output against the verdict schema
// and decodes it.
func ParseStructuredVerdict(content string) (Verdict, error) {
	content = stripCodeFence(content)

	schema, err := verdictValidator()
	if err != nil {
		return Verdict{}, fmt.Errorf("compile verdict schema: %w", err)
	}

	var document interface{}
	decoder := json.NewDecoder(strings.NewReader(content))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return Verdict{}, fmt.Errorf("%w: parse evaluation json: %v", ErrMalformedResponse, err)
	}
	if err := schema.Validate(document); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var payload verdictPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode evaluation json: %v", ErrMalformedResponse, err)
	}

	return Verdict{
		Mode:            ModeStructured,
		GeneralFeedback: strings.TrimSpace(payload.GeneralFeedback),
		Criteria:        payload.Criteria,
		FinalScore:      payload.FinalScore,
		MaxScore:        payload.MaxScore,
	}, nil
}

// stripCodeFence removes a surrounding ```json fence some models add.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx >= 0 {
		content = content[idx+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(content), "```"))
}
