package ai

import "context"

// Mode selects how the model is asked to answer.
type Mode string

const (
	// ModeStructured requests a JSON verdict with per-criterion scores.
	ModeStructured Mode = "structured"
	// ModeFreeForm requests prose following instructor supplied formatting.
	ModeFreeForm Mode = "free_form"
)

// Request is a fully composed prompt addressed to one model.
type Request struct {
	ModelID      string
	SystemPrompt string
	Prompt       string
	Mode         Mode
}

// Criterion is the grade awarded for one rubric line.
type Criterion struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Comment  string  `json:"comment"`
}

// Usage reports token consumption of a single evaluation call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Verdict is the structured grading output for one student.
type Verdict struct {
	Mode            Mode        `json:"mode"`
	GeneralFeedback string      `json:"general_feedback,omitempty"`
	Criteria        []Criterion `json:"criteria,omitempty"`
	FinalScore      float64     `json:"final_score"`
	MaxScore        float64     `json:"max_score"`
	FreeText        string      `json:"free_text,omitempty"`
	Model           string      `json:"model,omitempty"`
	Usage           *Usage      `json:"usage,omitempty"`
}

// Evaluator describes an AI model capable of grading student work.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Verdict, error)
}
