package parse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExtractor talks to a Tika-style text extraction service: the raw file
// is PUT to /extract and plain text comes back.
type HTTPExtractor struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPExtractor(baseURL string) *HTTPExtractor {
	if baseURL == "" {
		baseURL = "http://localhost:9998"
	}
	return &HTTPExtractor{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *HTTPExtractor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	if p.Client == nil {
		return "", errors.New("extractor: http client is nil")
	}

	url := fmt.Sprintf("%s/extract", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", "text/plain")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// 422 is the extractor's verdict that the file itself is unusable.
	if resp.StatusCode == http.StatusUnprocessableEntity {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = "document could not be parsed"
		}
		code := CodeCorruptFile
		if strings.Contains(strings.ToLower(msg), "unsupported") {
			code = CodeUnsupported
		}
		return "", &Error{Code: code, Message: msg}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("extractor: status %d", resp.StatusCode)
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	out := strings.TrimSpace(string(text))
	if out == "" {
		return "", &Error{Code: CodeEmptyContent, Message: "no text extracted from document"}
	}
	return out, nil
}
