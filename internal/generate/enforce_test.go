package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sitepipe/internal/domain"
)

type scriptedGenerator struct {
	requests  []GenerateRequest
	responses []GenerateResult
	errs      []error
}

func (g *scriptedGenerator) Generate(_ context.Context, req GenerateRequest) (GenerateResult, error) {
	idx := len(g.requests)
	g.requests = append(g.requests, req)
	if idx < len(g.errs) && g.errs[idx] != nil {
		return GenerateResult{}, g.errs[idx]
	}
	if idx >= len(g.responses) {
		return GenerateResult{}, errors.New("script exhausted")
	}
	return g.responses[idx], nil
}

func TestEnforceAcceptsFencedJSONFirstAttempt(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []GenerateResult{
			{Text: "```json\n{\"keywords\": [\"a\"]}\n```", TokensUsed: 42, Model: "m1"},
		},
	}
	enforcer := NewEnforcer(gen, nil)

	output, usage, err := enforcer.Enforce(context.Background(), "sys", "user", EnforceOptions{})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if string(output) != `{"keywords": ["a"]}` {
		t.Fatalf("unexpected output %q", output)
	}
	if usage.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", usage.Attempts)
	}
	if usage.TokensUsed != 42 || usage.Model != "m1" {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestEnforceEscalatesPromptOnRetry(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []GenerateResult{
			{Text: "Sure! Here is the plan you asked for.", TokensUsed: 10},
			{Text: `{"ok": true}`, TokensUsed: 20},
		},
	}
	enforcer := NewEnforcer(gen, nil)

	output, usage, err := enforcer.Enforce(context.Background(), "sys", "user", EnforceOptions{MaxRetries: 3})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if string(output) != `{"ok": true}` {
		t.Fatalf("unexpected output %q", output)
	}
	if usage.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", usage.Attempts)
	}
	if usage.TokensUsed != 30 {
		t.Fatalf("token spend should accumulate across attempts, got %d", usage.TokensUsed)
	}
	if strings.Contains(gen.requests[0].System, strictOutputReminder) {
		t.Fatalf("first attempt must use the plain system prompt")
	}
	if !strings.Contains(gen.requests[1].System, strictOutputReminder) {
		t.Fatalf("retry must append the strict output reminder")
	}
}

func TestEnforceExhaustionReturnsParseError(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []GenerateResult{
			{Text: "not json"},
			{Text: "still not json"},
		},
	}
	enforcer := NewEnforcer(gen, nil)

	_, usage, err := enforcer.Enforce(context.Background(), "sys", "user", EnforceOptions{MaxRetries: 2})
	if err == nil {
		t.Fatal("expected error")
	}
	if !domain.IsParseError(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
	var pe domain.ParseError
	if !errors.As(err, &pe) || pe.Attempts != 2 {
		t.Fatalf("expected 2 recorded attempts, got %+v", pe)
	}
	if usage.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", usage.Attempts)
	}
}

func TestEnforceGeneratorErrorPropagatesImmediately(t *testing.T) {
	upstream := errors.New("connection reset")
	gen := &scriptedGenerator{errs: []error{upstream}}
	enforcer := NewEnforcer(gen, nil)

	_, _, err := enforcer.Enforce(context.Background(), "sys", "user", EnforceOptions{MaxRetries: 3})
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.IsParseError(err) {
		t.Fatalf("generator failure must not be classified as a parse error: %v", err)
	}
	if !errors.Is(err, upstream) {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
	if len(gen.requests) != 1 {
		t.Fatalf("generator failures must not be retried by the enforcer, got %d calls", len(gen.requests))
	}
}

func TestParseObjectSkipsLeadingProse(t *testing.T) {
	output, err := ParseObject(`Here you go: {"a": 1}`)
	if err != nil {
		t.Fatalf("ParseObject: %v", err)
	}
	if string(output) != `{"a": 1}` {
		t.Fatalf("unexpected output %q", output)
	}
}

func TestParseObjectSkipsTrailingProse(t *testing.T) {
	cases := map[string]string{
		"{\"ok\": true}\nHope this helps!":              `{"ok": true}`,
		"Sure thing: {\"ok\": true} Let me know!":       `{"ok": true}`,
		"{\"nested\": {\"deep\": 1}} trailing comment.": `{"nested": {"deep": 1}}`,
	}
	for in, want := range cases {
		output, err := ParseObject(in)
		if err != nil {
			t.Errorf("ParseObject(%q): %v", in, err)
			continue
		}
		if string(output) != want {
			t.Errorf("ParseObject(%q) = %q, want %q", in, output, want)
		}
	}
}

func TestParseObjectRejectsArrays(t *testing.T) {
	if _, err := ParseObject(`[1, 2, 3]`); err == nil {
		t.Fatal("top-level arrays must be rejected")
	}
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
	}
	for in, want := range cases {
		if got := StripFences(in); got != want {
			t.Errorf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}
