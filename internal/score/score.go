package score

import (
	"context"
	"fmt"
)

// Category buckets a scored applicant for the reviewer dashboard.
type Category string

const (
	CategoryStrong   Category = "Strong"
	CategoryModerate Category = "Moderate"
	CategoryWeak     Category = "Weak"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategoryStrong, CategoryModerate, CategoryWeak:
		return true
	}
	return false
}

// Requirements is the structured job side of a scoring call.
type Requirements struct {
	Title       string   `json:"title"`
	Required    []string `json:"required"`
	NiceToHave  []string `json:"nice_to_have"`
	Description string   `json:"description"`
}

// Input is one scoring request: extracted resume text plus job requirements.
type Input struct {
	ResumeText   string
	Requirements Requirements
}

// Result is the scoring verdict. Score is always within [0,100].
type Result struct {
	Score         int      `json:"score"`
	Category      Category `json:"category"`
	Justification string   `json:"justification"`
}

// Failure codes. timeout, rate_limited and model_error are worth retrying;
// invalid_response means the backend answered outside its contract and a
// retry would just burn quota.
const (
	CodeTimeout         = "timeout"
	CodeRateLimited     = "rate_limited"
	CodeModelError      = "model_error"
	CodeInvalidResponse = "invalid_response"
)

// Error is a classified scoring failure.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("score: %s: %s", e.Code, e.Message)
}

// Scorer evaluates one resume against one job's requirements. The backend's
// internal reasoning is opaque; only this contract matters.
type Scorer interface {
	Score(ctx context.Context, in Input) (*Result, error)
}
