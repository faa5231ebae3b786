package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/wacast/internal/metrics"
)

// ErrRateLimited is returned when a provider answers with a throttling status
var ErrRateLimited = errors.New("ai provider rate limited")

// Provider names
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Request is one completion call
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Provider produces a completion for a prompt
type Provider interface {
	Name() string
	GenerateReply(ctx context.Context, req Request) (string, error)
}

// Config contains provider settings shared by all campaigns
type Config struct {
	OpenAIBaseURL     string        `yaml:"openai_base_url"`
	OpenAIModel       string        `yaml:"openai_model"`
	GeminiBaseURL     string        `yaml:"gemini_base_url"`
	GeminiModel       string        `yaml:"gemini_model"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// DefaultConfig returns default provider settings
func DefaultConfig() Config {
	return Config{
		OpenAIBaseURL:     "https://api.openai.com/v1",
		OpenAIModel:       "gpt-4o-mini",
		GeminiModel:       "gemini-2.0-flash",
		Timeout:           10 * time.Second,
		MaxRetries:        3,
		RetryBase:         time.Second,
		RequestsPerMinute: 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = def.OpenAIBaseURL
	}
	if c.OpenAIModel == "" {
		c.OpenAIModel = def.OpenAIModel
	}
	if c.GeminiModel == "" {
		c.GeminiModel = def.GeminiModel
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	return c
}

// New builds a paced, retrying provider for the given name and key
func New(ctx context.Context, cfg Config, name, apiKey string) (Provider, error) {
	cfg = cfg.withDefaults()
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", name)
	}

	var p Provider
	switch strings.ToLower(name) {
	case ProviderOpenAI, "":
		p = NewOpenAI(cfg.OpenAIBaseURL, apiKey, cfg.OpenAIModel, cfg.Timeout)
	case ProviderGemini:
		g, err := NewGemini(ctx, apiKey, cfg.GeminiModel, cfg.GeminiBaseURL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		p = g
	default:
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}

	if cfg.RequestsPerMinute > 0 {
		p = Paced(p, rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1))
	}
	return WithRetry(p, cfg.MaxRetries, cfg.RetryBase), nil
}

// IsRateLimited reports whether err is a provider throttling signal
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

type retrying struct {
	Provider
	attempts int
	base     time.Duration
	max      time.Duration
}

// WithRetry retries rate limited calls with exponential backoff.
// Any other error is returned immediately.
func WithRetry(p Provider, attempts int, base time.Duration) Provider {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{Provider: p, attempts: attempts, base: base, max: 30 * time.Second}
}

func (r *retrying) GenerateReply(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.backoff(attempt)):
			}
		}

		text, err := r.Provider.GenerateReply(ctx, req)
		if err == nil {
			metrics.IncAIRequests(r.Name(), "ok")
			return text, nil
		}
		lastErr = err
		if !IsRateLimited(err) {
			metrics.IncAIRequests(r.Name(), "error")
			return "", err
		}
		metrics.IncAIRequests(r.Name(), "rate_limited")
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoff returns base * 2^(attempt-1), capped
func (r *retrying) backoff(attempt int) time.Duration {
	d := r.base << uint(attempt-1)
	if d <= 0 || d > r.max {
		return r.max
	}
	return d
}

type paced struct {
	Provider
	limiter *rate.Limiter
}

// Paced makes every call wait for a token from limiter
func Paced(p Provider, limiter *rate.Limiter) Provider {
	return &paced{Provider: p, limiter: limiter}
}

func (p *paced) GenerateReply(ctx context.Context, req Request) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.Provider.GenerateReply(ctx, req)
}
