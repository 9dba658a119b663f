package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout           = 2 * time.Minute
	defaultMaxTokens         = 4096
	defaultTemperature       = 0.7
	maxHTTPErrorBodyReadSize = 64 * 1024
	maxResponseBodyReadSize  = 8 * 1024 * 1024
)

// GenerateRequest is one call to the external text generator.
type GenerateRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

type GenerateResult struct {
	Text         string
	TokensUsed   int
	Model        string
	FinishReason string
}

// Generator is the external generation collaborator. Implementations decide
// model selection and transport; callers stay agnostic.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

type APIGeneratorConfig struct {
	Endpoint      string
	Model         string
	FallbackModel string
	AuthToken     string
	Timeout       time.Duration
	Logger        *log.Logger
	Client        *http.Client
}

// APIGenerator talks to an OpenAI-compatible chat completions endpoint with
// an optional fallback model tier for transient upstream failures.
type APIGenerator struct {
	endpoint      string
	model         string
	fallbackModel string
	authToken     string
	logger        *log.Logger
	client        *http.Client
}

func NewAPIGenerator(cfg APIGeneratorConfig) (*APIGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &APIGenerator{
		endpoint:      endpoint,
		model:         model,
		fallbackModel: strings.TrimSpace(cfg.FallbackModel),
		authToken:     strings.TrimSpace(cfg.AuthToken),
		logger:        cfg.Logger,
		client:        client,
	}, nil
}

func (g *APIGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	result, err := g.generateWithModel(ctx, g.model, req)
	if err == nil {
		return result, nil
	}
	if g.fallbackModel == "" || g.fallbackModel == g.model || !IsTransient(err) {
		return GenerateResult{}, err
	}
	g.logger.Printf("generator falling back model=%s reason=%v", g.fallbackModel, err)
	fallbackResult, fallbackErr := g.generateWithModel(ctx, g.fallbackModel, req)
	if fallbackErr != nil {
		return GenerateResult{}, fmt.Errorf("fallback model failed: %w (primary: %v)", fallbackErr, err)
	}
	return fallbackResult, nil
}

func (g *APIGenerator) generateWithModel(ctx context.Context, model string, req GenerateRequest) (GenerateResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	payload := chatRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("chat api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return GenerateResult{}, fmt.Errorf("chat api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return GenerateResult{}, httpStatusError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyReadSize))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("read chat response: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return GenerateResult{}, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return GenerateResult{}, fmt.Errorf("chat api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("chat response has no choices")
	}
	choice := parsed.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return GenerateResult{}, fmt.Errorf("chat response has empty content")
	}
	resultModel := parsed.Model
	if resultModel == "" {
		resultModel = model
	}
	return GenerateResult{
		Text:         text,
		TokensUsed:   parsed.Usage.TotalTokens,
		Model:        resultModel,
		FinishReason: choice.FinishReason,
	}, nil
}

// IsTransient classifies timeouts, network failures, rate limiting and
// upstream 5xx as retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string        `json:"model"`
	Choices []chatChoice  `json:"choices"`
	Usage   chatUsage     `json:"usage"`
	Error   *chatAPIError `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("chat api status=%d", e.statusCode)
	}
	return fmt.Sprintf("chat api status=%d body=%s", e.statusCode, e.body)
}
