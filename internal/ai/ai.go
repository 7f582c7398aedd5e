package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/brieflyhq/briefly/internal/logging"
	"github.com/brieflyhq/briefly/internal/metrics"
	"github.com/brieflyhq/briefly/internal/observability"
)

// Config holds AI service configuration.
type Config struct {
	Enabled         bool          `json:"enabled"`
	APIKey          string        `json:"api_key"`
	Model           string        `json:"model"`
	FallbackModel   string        `json:"fallback_model"`
	BaseURL         string        `json:"base_url"`
	Timeout         time.Duration `json:"timeout"`
	MaxTokens       int           `json:"max_tokens"`
	BreakerFailures uint32        `json:"breaker_failures"` // consecutive failures that open the breaker
	BreakerCooldown time.Duration `json:"breaker_cooldown"` // time open before a trial request
}

// DefaultConfig returns sensible defaults for the AI service.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Model:           "gemini-2.0-flash-exp",
		FallbackModel:   "gemini-pro",
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta/openai",
		Timeout:         60 * time.Second,
		MaxTokens:       512,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

var (
	// ErrDisabled is returned when the service has no API key or is switched off.
	ErrDisabled = errors.New("ai service is not enabled")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("ai service temporarily unavailable")
	// ErrEmptyResponse is returned when the model answers with no text.
	ErrEmptyResponse = errors.New("no content in ai response")
)

// APIError is a non-200 answer from the completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Service generates text with an OpenAI-compatible chat completions API.
type Service struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewService creates a new AI service.
func NewService(cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logging.Component("ai"),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isBreakerSuccess,
	})
	return s
}

// Enabled returns whether the AI service is configured and enabled.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.cfg.APIKey != ""
}

// GetConfig returns the current AI configuration (with API key masked).
func (s *Service) GetConfig() Config {
	c := s.cfg
	if len(c.APIKey) > 8 {
		c.APIKey = c.APIKey[:4] + "****" + c.APIKey[len(c.APIKey)-4:]
	} else if c.APIKey != "" {
		c.APIKey = "****"
	}
	return c
}

// Generate sends prompt as a single user message and returns the model's
// answer. When the configured model is reported missing it retries once
// with FallbackModel.
func (s *Service) Generate(ctx context.Context, prompt string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	text, err := s.complete(ctx, s.cfg.Model, prompt)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound &&
		s.cfg.FallbackModel != "" && s.cfg.FallbackModel != s.cfg.Model {
		s.log.Info("model not available, trying fallback", "model", s.cfg.Model, "fallback", s.cfg.FallbackModel)
		return s.complete(ctx, s.cfg.FallbackModel, prompt)
	}
	return text, err
}

// complete runs one chat completion through the circuit breaker.
func (s *Service) complete(ctx context.Context, model, prompt string) (string, error) {
	ctx, span := observability.StartClientSpan(ctx, "ai.generate", observability.AttrAIModel.String(model))
	defer span.End()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.chatCompletion(ctx, model, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		observability.SetSpanError(span, err)
		return "", err
	}
	observability.SetSpanOK(span)
	return out.(string), nil
}

// isBreakerSuccess keeps client mistakes and a missing model from opening
// the breaker; only transport failures, throttling and 5xx count.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// chatCompletionRequest matches the OpenAI Chat Completions API request format.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionResponse holds the parts of the response we read.
type chatCompletionResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

const defaultTemperature = 0.2

func (s *Service) chatCompletion(ctx context.Context, model, prompt string) (string, error) {
	reqBody := chatCompletionRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: defaultTemperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := s.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	observability.InjectHTTP(httpReq)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		metrics.RecordAIRequest(0)
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordAIRequest(resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := chatResp.Choices[0].Message.Content
	if content == nil || strings.TrimSpace(*content) == "" {
		return "", ErrEmptyResponse
	}
	return *content, nil
}
