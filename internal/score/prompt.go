package score

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const systemPrompt = `You are a resume screener. Compare the resume against the job requirements and respond with a single JSON object, nothing else:
{"score": <integer 0-100>, "category": "Strong"|"Moderate"|"Weak", "justification": "<2-4 sentences>"}`

func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Job title: ")
	b.WriteString(in.Requirements.Title)
	b.WriteString("\nRequired: ")
	b.WriteString(strings.Join(in.Requirements.Required, "; "))
	b.WriteString("\nNice to have: ")
	b.WriteString(strings.Join(in.Requirements.NiceToHave, "; "))
	if in.Requirements.Description != "" {
		b.WriteString("\nDescription: ")
		b.WriteString(in.Requirements.Description)
	}
	b.WriteString("\n\nResume:\n")
	b.WriteString(in.ResumeText)
	return b.String()
}

// decodeVerdict parses the model's reply strictly. Anything outside the
// contract is invalid_response: non-retryable.
func decodeVerdict(raw string) (*Result, error) {
	raw = strings.TrimSpace(raw)
	// tolerate code-fenced replies, a common model habit
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, &Error{
			Code:    CodeInvalidResponse,
			Message: fmt.Sprintf("unparseable verdict: %v", err),
		}
	}
	if res.Score < 0 || res.Score > 100 {
		return nil, &Error{
			Code:    CodeInvalidResponse,
			Message: fmt.Sprintf("score %d out of range", res.Score),
		}
	}
	if !ValidCategory(res.Category) {
		return nil, &Error{
			Code:    CodeInvalidResponse,
			Message: fmt.Sprintf("unknown category %q", res.Category),
		}
	}
	if strings.TrimSpace(res.Justification) == "" {
		return nil, &Error{
			Code:    CodeInvalidResponse,
			Message: "empty justification",
		}
	}
	return &res, nil
}

// classifyTransport maps transport-level failures onto the taxonomy.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error(), Retryable: true}
	}
	return &Error{Code: CodeModelError, Message: err.Error(), Retryable: true}
}

// classifyStatus maps a non-2xx backend status onto the taxonomy.
func classifyStatus(status int, body string) error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	if status == 429 {
		return &Error{Code: CodeRateLimited, Message: msg, Retryable: true}
	}
	return &Error{Code: CodeModelError, Message: msg, Retryable: true}
}
