package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitepipe/internal/domain"
	"sitepipe/internal/generate"
	"sitepipe/internal/metrics"
)

const (
	retryBaseDelay = 1 * time.Second
	retryCapDelay  = 10 * time.Second
)

// Ledger persists the lifecycle of agent runs. Completion and failure
// updates are status-guarded: they only apply while the run is still
// running, so a cancelled run's late result is discarded.
type Ledger interface {
	CreateAgentRun(ctx context.Context, run domain.AgentRun) error
	CompleteAgentRun(ctx context.Context, runID string, output json.RawMessage, model string, tokensUsed int, costEstimate float64, durationMs int64) (bool, error)
	FailAgentRun(ctx context.Context, runID string, errorMessage string, durationMs int64) (bool, error)
	LogEvent(ctx context.Context, entry domain.EventLog) error
}

type Enforcer interface {
	Enforce(ctx context.Context, system, user string, opts generate.EnforceOptions) (json.RawMessage, generate.Usage, error)
}

type MetricsPublisher interface {
	Publish(event metrics.Event)
}

// Invoker runs one stage agent: validated input, enforced JSON output,
// ledger bookkeeping and metrics emission.
type Invoker struct {
	registry *Registry
	enforcer Enforcer
	ledger   Ledger
	metrics  MetricsPublisher
	logger   *log.Logger
}

func NewInvoker(registry *Registry, enforcer Enforcer, ledger Ledger, publisher MetricsPublisher, logger *log.Logger) *Invoker {
	if logger == nil {
		logger = log.Default()
	}
	return &Invoker{
		registry: registry,
		enforcer: enforcer,
		ledger:   ledger,
		metrics:  publisher,
		logger:   logger,
	}
}

// Run executes one invocation attempt. Input is validated before any side
// effect; afterwards every outcome is persisted to the run ledger.
func (inv *Invoker) Run(ctx context.Context, projectID string, stage domain.Stage, input json.RawMessage, correlationID string) (json.RawMessage, error) {
	return inv.runAttempt(ctx, projectID, stage, input, correlationID, 0)
}

// RunWithRetry repeats the full Run call with exponential backoff. Each
// attempt produces its own AgentRun row; validation errors are never
// retried.
func (inv *Invoker) RunWithRetry(ctx context.Context, projectID string, stage domain.Stage, input json.RawMessage, correlationID string, maxRetries int) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		output, err := inv.runAttempt(ctx, projectID, stage, input, correlationID, attempt)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if domain.IsValidationError(err) || domain.IsTerminalJobError(err) {
			return nil, err
		}
		if attempt == maxRetries {
			break
		}
		delay := backoffDelay(attempt)
		inv.logger.Printf("agent retry stage=%s project=%s attempt=%d wait=%s reason=%v", stage, projectID, attempt+1, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (inv *Invoker) runAttempt(ctx context.Context, projectID string, stage domain.Stage, input json.RawMessage, correlationID string, retryCount int) (json.RawMessage, error) {
	spec, ok := inv.registry.Lookup(stage)
	if !ok {
		return nil, fmt.Errorf("no agent registered for stage %s", stage)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	// A schema mismatch fails before the run record exists; no side effects.
	if err := ValidateObject(stage, spec.Input, input); err != nil {
		return nil, err
	}

	run := domain.AgentRun{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Stage:         stage,
		Status:        domain.RunStatusRunning,
		Input:         input,
		RetryCount:    retryCount,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := inv.ledger.CreateAgentRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create agent run: %w", err)
	}

	started := time.Now()
	output, usage, err := inv.enforcer.Enforce(ctx, spec.SystemPrompt, buildUserPrompt(spec, input), generate.EnforceOptions{
		MaxRetries:  spec.EnforceRetries,
		Timeout:     spec.Timeout,
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
	})
	if err != nil {
		return nil, inv.failRun(ctx, run, started, err)
	}

	if spec.OutputMode == domain.OutputModeStrict {
		if err := ValidateObject(stage, spec.Output, output); err != nil {
			return nil, inv.failRun(ctx, run, started, err)
		}
	}

	duration := time.Since(started)
	cost := float64(usage.TokensUsed) * spec.CostPerKTokens / 1000
	// A result that arrives as the job context expires must still be
	// persisted; otherwise the row stays running forever.
	updated, err := inv.ledger.CompleteAgentRun(context.WithoutCancel(ctx), run.ID, output, usage.Model, usage.TokensUsed, cost, duration.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("complete agent run: %w", err)
	}
	if !updated {
		// Run was cancelled while the call was in flight; discard the result.
		inv.logger.Printf("agent run %s finished after cancellation, result discarded", run.ID)
		return nil, domain.ErrRunCancelled
	}
	if inv.metrics != nil {
		inv.metrics.Publish(metrics.Event{
			ProjectID:     projectID,
			Stage:         stage,
			CorrelationID: correlationID,
			RunID:         run.ID,
			TokensUsed:    usage.TokensUsed,
			CostEstimate:  cost,
			Duration:      duration,
			Failed:        false,
		})
	}
	return output, nil
}

// failRun persists the failure, emits zeroed metrics and writes the
// best-effort failure log entry. The original error always propagates even
// when the secondary writes fail.
func (inv *Invoker) failRun(ctx context.Context, run domain.AgentRun, started time.Time, cause error) error {
	duration := time.Since(started)
	// The cause is often the job context itself expiring, so the ledger
	// writes run detached from the caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	if _, err := inv.ledger.FailAgentRun(ctx, run.ID, cause.Error(), duration.Milliseconds()); err != nil {
		inv.logger.Printf("persist run failure run=%s: %v", run.ID, err)
	}
	if inv.metrics != nil {
		inv.metrics.Publish(metrics.Event{
			ProjectID:     run.ProjectID,
			Stage:         run.Stage,
			CorrelationID: run.CorrelationID,
			RunID:         run.ID,
			Duration:      duration,
			Failed:        true,
		})
	}
	_ = inv.ledger.LogEvent(ctx, domain.EventLog{
		ProjectID: run.ProjectID,
		Actor:     string(run.Stage),
		Action:    "agent_run_failed",
		Reason:    cause.Error(),
		Payload:   mustJSON(map[string]any{"run_id": run.ID, "retry_count": run.RetryCount}),
	})
	return cause
}

func buildUserPrompt(spec Spec, input json.RawMessage) string {
	var b strings.Builder
	b.WriteString("Stage: ")
	b.WriteString(string(spec.Stage))
	b.WriteString("\n\nInput:\n")
	b.Write(compactJSON(input))
	b.WriteString("\n\nRespond with a single JSON object only.")
	return b.String()
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << attempt
	if delay > retryCapDelay {
		return retryCapDelay
	}
	return delay
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
