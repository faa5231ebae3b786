package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

func TestOpenAIGenerateReply(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hey, how was your day?  "}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL+"/", "key", "gpt-test", time.Second)
	text, err := p.GenerateReply(context.Background(), Request{System: "be casual", Prompt: "say hi", MaxTokens: 50})
	if err != nil {
		t.Fatalf("GenerateReply() error = %v", err)
	}
	if text != "hey, how was your day?" {
		t.Errorf("text = %q", text)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("request = %+v", got)
	}
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		rateLimited bool
	}{
		{"throttled", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, true},
		{"server error", http.StatusInternalServerError, "boom", false},
		{"no choices", http.StatusOK, `{"choices":[]}`, false},
		{"error body", http.StatusOK, `{"error":{"message":"bad key"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAI(srv.URL, "key", "m", time.Second).GenerateReply(context.Background(), Request{Prompt: "x"})
			if err == nil {
				t.Fatal("GenerateReply() error = nil")
			}
			if IsRateLimited(err) != tt.rateLimited {
				t.Errorf("IsRateLimited(%v) = %v, want %v", err, IsRateLimited(err), tt.rateLimited)
			}
		})
	}
}

type scripted struct {
	calls atomic.Int32
	errs  []error
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) GenerateReply(ctx context.Context, req Request) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return "", s.errs[n]
	}
	return "reply", nil
}

func TestWithRetry(t *testing.T) {
	limited := fmt.Errorf("wrapped: %w", ErrRateLimited)
	other := errors.New("invalid api key")

	tests := []struct {
		name      string
		errs      []error
		attempts  int
		wantCalls int32
		wantErr   bool
	}{
		{"first try", nil, 3, 1, false},
		{"recovers after throttle", []error{limited, limited}, 3, 3, false},
		{"gives up", []error{limited, limited, limited}, 3, 3, true},
		{"no retry on other errors", []error{other}, 3, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scripted{errs: tt.errs}
			text, err := WithRetry(p, tt.attempts, time.Millisecond).GenerateReply(context.Background(), Request{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("GenerateReply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && text != "reply" {
				t.Errorf("text = %q", text)
			}
			if got := p.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestWithRetryContextCancel(t *testing.T) {
	p := &scripted{errs: []error{ErrRateLimited, ErrRateLimited}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(p, 3, time.Hour).GenerateReply(ctx, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", p.calls.Load())
	}
}

func TestBackoff(t *testing.T) {
	r := &retrying{base: time.Second, max: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{70, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := r.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPaced(t *testing.T) {
	p := &scripted{}
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	paced := Paced(p, limiter)

	if _, err := paced.GenerateReply(context.Background(), Request{}); err != nil {
		t.Fatalf("first call error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := paced.GenerateReply(ctx, Request{}); err == nil {
		t.Error("second call within the pacing window succeeded")
	}
	if p.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", p.calls.Load())
	}
}

func TestClassifyGeminiError(t *testing.T) {
	if err := classifyGeminiError(genai.APIError{Code: http.StatusTooManyRequests}); !IsRateLimited(err) {
		t.Errorf("429 not classified as rate limited: %v", err)
	}
	if err := classifyGeminiError(genai.APIError{Code: 400, Message: "RESOURCE_EXHAUSTED: quota"}); !IsRateLimited(err) {
		t.Errorf("resource exhausted not classified as rate limited: %v", err)
	}
	if err := classifyGeminiError(genai.APIError{Code: 400, Message: "bad request"}); IsRateLimited(err) {
		t.Errorf("400 classified as rate limited: %v", err)
	}
	if err := classifyGeminiError(errors.New("dial tcp: refused")); IsRateLimited(err) {
		t.Errorf("network error classified as rate limited: %v", err)
	}
}

func TestGeminiGenerateReply(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"good morning!"}]}}]}`))
	}))
	defer srv.Close()

	g, err := NewGemini(context.Background(), "key", "gemini-test", srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	text, err := g.GenerateReply(context.Background(), Request{System: "casual", Prompt: "hi", MaxTokens: 40, Temperature: 0.8})
	if err != nil {
		t.Fatalf("GenerateReply() error = %v", err)
	}
	if text != "good morning!" {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(path, "gemini-test:generateContent") {
		t.Errorf("path = %q", path)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(context.Background(), Config{}, ProviderOpenAI, ""); err == nil {
		t.Error("New() without key returned nil error")
	}
	if _, err := New(context.Background(), Config{}, "claude", "key"); err == nil {
		t.Error("New() with unknown provider returned nil error")
	}
	p, err := New(context.Background(), Config{}, ProviderOpenAI, "key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Name() != ProviderOpenAI {
		t.Errorf("Name() = %q", p.Name())
	}
}
