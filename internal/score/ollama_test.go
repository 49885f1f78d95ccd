package score

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ollamaReply(t *testing.T, content string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"role":"assistant","content":` + jsonString(content) + `}}`))
	}
}

func jsonString(s string) string {
	out := `"`
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\\':
			out += `\\`
		case '\n':
			out += `\n`
		default:
			out += string(r)
		}
	}
	return out + `"`
}

func testInput() Input {
	return Input{
		ResumeText: "Ten years of Go and distributed systems.",
		Requirements: Requirements{
			Title:    "Backend Engineer",
			Required: []string{"Go", "SQL"},
		},
	}
}

func TestScore_ParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(ollamaReply(t,
		`{"score": 87, "category": "Strong", "justification": "Deep Go background matching every requirement."}`))
	defer srv.Close()

	s := NewOllamaScorer(srv.URL, "test-model")
	res, err := s.Score(context.Background(), testInput())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Score != 87 || res.Category != CategoryStrong {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestScore_CodeFencedVerdict(t *testing.T) {
	srv := httptest.NewServer(ollamaReply(t,
		"```json\n{\"score\": 40, \"category\": \"Weak\", \"justification\": \"Little overlap.\"}\n```"))
	defer srv.Close()

	s := NewOllamaScorer(srv.URL, "test-model")
	res, err := s.Score(context.Background(), testInput())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Score != 40 || res.Category != CategoryWeak {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestScore_OutOfRangeIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(ollamaReply(t,
		`{"score": 140, "category": "Strong", "justification": "x"}`))
	defer srv.Close()

	s := NewOllamaScorer(srv.URL, "test-model")
	_, err := s.Score(context.Background(), testInput())

	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *score.Error, got %v", err)
	}
	if serr.Code != CodeInvalidResponse || serr.Retryable {
		t.Fatalf("expected non-retryable invalid_response, got %+v", serr)
	}
}

func TestScore_UnknownCategoryIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(ollamaReply(t,
		`{"score": 50, "category": "Mediocre", "justification": "x"}`))
	defer srv.Close()

	s := NewOllamaScorer(srv.URL, "test-model")
	_, err := s.Score(context.Background(), testInput())

	var serr *Error
	if !errors.As(err, &serr) || serr.Code != CodeInvalidResponse {
		t.Fatalf("expected invalid_response, got %v", err)
	}
}

func TestScore_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewOllamaScorer(srv.URL, "test-model")
	_, err := s.Score(context.Background(), testInput())

	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *score.Error, got %v", err)
	}
	if serr.Code != CodeRateLimited || !serr.Retryable {
		t.Fatalf("expected retryable rate_limited, got %+v", serr)
	}
}

func TestRegistry_RoutesByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (Scorer, error) {
		return NewOllamaScorer("http://localhost:11434", model), nil
	})

	if _, err := reg.Get(context.Background(), "OLLAMA ", "m"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := reg.Get(context.Background(), "nope", "m"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
