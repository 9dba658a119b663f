package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitepipe/internal/domain"
	"sitepipe/internal/metrics"
)

const (
	stepRetryBase    = 1 * time.Second
	stepRetryCap     = 10 * time.Second
	defaultStepRetry = 2
)

// ExecutionContext carries correlation state for one orchestrator run. It
// lives for exactly one Execute call and is never shared across runs.
type ExecutionContext struct {
	ProjectID     string
	UserID        string
	CorrelationID string
	Metadata      map[string]string

	mu      sync.Mutex
	order   []domain.Stage
	results map[domain.Stage]json.RawMessage
}

func NewExecutionContext(projectID, userID, correlationID string) *ExecutionContext {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &ExecutionContext{
		ProjectID:     projectID,
		UserID:        userID,
		CorrelationID: correlationID,
		Metadata:      make(map[string]string),
		results:       make(map[domain.Stage]json.RawMessage),
	}
}

func (ec *ExecutionContext) SetResult(stage domain.Stage, output json.RawMessage) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, exists := ec.results[stage]; !exists {
		ec.order = append(ec.order, stage)
	}
	ec.results[stage] = output
}

func (ec *ExecutionContext) Result(stage domain.Stage) (json.RawMessage, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	output, ok := ec.results[stage]
	return output, ok
}

// Results returns outputs keyed by stage, insertion order preserved in
// Executed.
func (ec *ExecutionContext) Results() map[domain.Stage]json.RawMessage {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	copied := make(map[domain.Stage]json.RawMessage, len(ec.results))
	for stage, output := range ec.results {
		copied[stage] = output
	}
	return copied
}

func (ec *ExecutionContext) Executed() []domain.Stage {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]domain.Stage(nil), ec.order...)
}

// StageInvoker executes one stage agent. Satisfied by *agent.Invoker.
type StageInvoker interface {
	Run(ctx context.Context, projectID string, stage domain.Stage, input json.RawMessage, correlationID string) (json.RawMessage, error)
}

type InputFunc func(ec *ExecutionContext) (json.RawMessage, error)

type StepOptions struct {
	OnSuccess  func(ec *ExecutionContext, output json.RawMessage)
	OnError    func(ec *ExecutionContext, err error)
	Retryable  *bool
	MaxRetries int
}

type step struct {
	stage   domain.Stage
	input   json.RawMessage
	inputFn InputFunc
	opts    StepOptions
}

type StageError struct {
	Stage domain.Stage `json:"stage"`
	Err   error        `json:"-"`
	Error string       `json:"error"`
}

type Result struct {
	Success  bool
	Executed []domain.Stage
	Results  map[domain.Stage]json.RawMessage
	Errors   []StageError
	Duration time.Duration
	Totals   metrics.Totals
}

type ParallelResult struct {
	Stage  domain.Stage
	Output json.RawMessage
	Err    error
}

// Runner sequences named steps, threading each step's output into later
// steps' inputs through the ExecutionContext.
type Runner struct {
	invoker   StageInvoker
	collector *metrics.Collector
	logger    *log.Logger
	steps     []step
}

func NewRunner(invoker StageInvoker, collector *metrics.Collector, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		invoker:   invoker,
		collector: collector,
		logger:    logger,
	}
}

// AddStep appends a step with a fixed input.
func (r *Runner) AddStep(stage domain.Stage, input json.RawMessage, opts StepOptions) *Runner {
	r.steps = append(r.steps, step{stage: stage, input: input, opts: opts})
	return r
}

// AddStepFunc appends a step whose input is derived from earlier results.
func (r *Runner) AddStepFunc(stage domain.Stage, inputFn InputFunc, opts StepOptions) *Runner {
	r.steps = append(r.steps, step{stage: stage, inputFn: inputFn, opts: opts})
	return r
}

// Execute runs steps strictly in insertion order and stops at the first
// failure that survives its retry budget. Steps after the failing one never
// run.
func (r *Runner) Execute(ctx context.Context, ec *ExecutionContext) Result {
	started := time.Now()
	result := Result{Results: make(map[domain.Stage]json.RawMessage)}

	for _, item := range r.steps {
		input := item.input
		if item.inputFn != nil {
			derived, err := item.inputFn(ec)
			if err != nil {
				r.recordStepError(ec, &result, item, fmt.Errorf("derive input for stage %s: %w", item.stage, err))
				break
			}
			input = derived
		}

		output, err := r.runStep(ctx, ec, item, input)
		if err != nil {
			r.recordStepError(ec, &result, item, err)
			break
		}

		ec.SetResult(item.stage, output)
		result.Results[item.stage] = output
		if item.opts.OnSuccess != nil {
			item.opts.OnSuccess(ec, output)
		}
	}

	result.Executed = ec.Executed()
	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(started)
	if r.collector != nil {
		result.Totals = r.collector.Totals(ec.CorrelationID)
	}
	return result
}

func (r *Runner) runStep(ctx context.Context, ec *ExecutionContext, item step, input json.RawMessage) (json.RawMessage, error) {
	retryable := true
	if item.opts.Retryable != nil {
		retryable = *item.opts.Retryable
	}
	maxRetries := item.opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultStepRetry
	}
	if !retryable {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		output, err := r.invoker.Run(ctx, ec.ProjectID, item.stage, input, ec.CorrelationID)
		if err == nil {
			return output, nil
		}
		lastErr = err
		// Validation errors are deterministic; retrying cannot help.
		if domain.IsValidationError(err) || attempt == maxRetries {
			break
		}
		delay := stepBackoff(attempt)
		r.logger.Printf("step retry stage=%s attempt=%d wait=%s reason=%v", item.stage, attempt+1, delay, err)
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

func (r *Runner) recordStepError(ec *ExecutionContext, result *Result, item step, err error) {
	result.Errors = append(result.Errors, StageError{Stage: item.stage, Err: err, Error: err.Error()})
	if item.opts.OnError != nil {
		item.opts.OnError(ec, err)
	}
}

// ExecuteParallel runs a fixed set of stages concurrently. A failure in one
// branch never cancels the others; each branch reports its own output or
// error.
func (r *Runner) ExecuteParallel(ctx context.Context, ec *ExecutionContext, stages []domain.Stage, inputFn func(stage domain.Stage, ec *ExecutionContext) (json.RawMessage, error)) []ParallelResult {
	results := make([]ParallelResult, len(stages))
	var wg sync.WaitGroup
	for i, stage := range stages {
		wg.Add(1)
		go func(idx int, stage domain.Stage) {
			defer wg.Done()
			input, err := inputFn(stage, ec)
			if err != nil {
				results[idx] = ParallelResult{Stage: stage, Err: fmt.Errorf("derive input for stage %s: %w", stage, err)}
				return
			}
			output, err := r.invoker.Run(ctx, ec.ProjectID, stage, input, ec.CorrelationID)
			if err != nil {
				results[idx] = ParallelResult{Stage: stage, Err: err}
				return
			}
			results[idx] = ParallelResult{Stage: stage, Output: output}
		}(i, stage)
	}
	wg.Wait()

	for _, item := range results {
		if item.Err == nil {
			ec.SetResult(item.Stage, item.Output)
		}
	}
	return results
}

func stepBackoff(attempt int) time.Duration {
	delay := stepRetryBase << attempt
	if delay > stepRetryCap {
		return stepRetryCap
	}
	return delay
}
