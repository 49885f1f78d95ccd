package parse

import (
	"context"
	"fmt"
)

// Error codes for files that can never be parsed. These are terminal: a retry
// cannot make a corrupt file whole.
const (
	CodeCorruptFile  = "corrupt_file"
	CodeUnsupported  = "unsupported_structure"
	CodeEmptyContent = "empty_content"
)

// Error is a terminal parsing failure. Anything else returned by an Extractor
// (transport faults, parser-side 5xx) is transient and may be retried.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse: %s: %s", e.Code, e.Message)
}

// Extractor converts stored resume bytes into plain text. MIME type is the
// declared one (pdf or docx, validated upstream at upload time).
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}
