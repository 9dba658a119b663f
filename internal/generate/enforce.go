package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"sitepipe/internal/domain"
)

const (
	defaultEnforceRetries = 3
	strictOutputReminder  = "Return ONLY a single valid JSON object. No prose, no markdown fences, no commentary before or after the JSON."
)

// EnforceOptions bound a single enforcement run. Timeout applies per
// generation call, not to the whole retry loop.
type EnforceOptions struct {
	MaxRetries  int
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Usage aggregates generator spend across enforcement attempts.
type Usage struct {
	TokensUsed int
	Model      string
	Attempts   int
}

// Enforcer retries a generation call with escalating strictness until the
// response parses as a JSON object or attempts run out. Generator failures
// (timeouts, 5xx) propagate immediately so outer layers can apply their own
// retry policy; only parse failures are retried here.
type Enforcer struct {
	gen    Generator
	logger *log.Logger
}

func NewEnforcer(gen Generator, logger *log.Logger) *Enforcer {
	if logger == nil {
		logger = log.Default()
	}
	return &Enforcer{gen: gen, logger: logger}
}

func (e *Enforcer) Enforce(ctx context.Context, system, user string, opts EnforceOptions) (json.RawMessage, Usage, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultEnforceRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var usage Usage
	var lastParseErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		usage.Attempts = attempt
		prompt := system
		if attempt > 1 {
			prompt = system + "\n\n" + strictOutputReminder
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := e.gen.Generate(callCtx, GenerateRequest{
			System:      prompt,
			User:        user,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		})
		cancel()
		if err != nil {
			return nil, usage, fmt.Errorf("generation call failed: %w", err)
		}
		usage.TokensUsed += result.TokensUsed
		usage.Model = result.Model

		parsed, parseErr := ParseObject(result.Text)
		if parseErr == nil {
			return parsed, usage, nil
		}
		lastParseErr = parseErr
		e.logger.Printf("json enforcement attempt=%d/%d parse failed: %v", attempt, maxRetries, parseErr)
	}
	return nil, usage, domain.ParseError{Attempts: maxRetries, Err: lastParseErr}
}

// ParseObject strips common wrapping artifacts and parses the text as a
// top-level JSON object. Prose before or after the object is tolerated.
func ParseObject(text string) (json.RawMessage, error) {
	cleaned := StripFences(text)
	if !strings.HasPrefix(cleaned, "{") {
		// Models sometimes prefix a sentence before the object.
		if idx := strings.Index(cleaned, "{"); idx > 0 {
			cleaned = cleaned[idx:]
		}
	}
	dec := json.NewDecoder(strings.NewReader(cleaned))
	var probe map[string]json.RawMessage
	if err := dec.Decode(&probe); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	return json.RawMessage(cleaned[:dec.InputOffset()]), nil
}

// StripFences removes a surrounding markdown code fence if present.
func StripFences(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}
