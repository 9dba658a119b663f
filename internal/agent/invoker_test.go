package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sitepipe/internal/domain"
	"sitepipe/internal/generate"
	"sitepipe/internal/metrics"
)

type fakeLedger struct {
	mu            sync.Mutex
	runs          map[string]domain.AgentRun
	created       []string
	events        []domain.EventLog
	rejectUpdates bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{runs: make(map[string]domain.AgentRun)}
}

// Every method refuses a dead context, mirroring the real store's driver.
func (l *fakeLedger) CreateAgentRun(ctx context.Context, run domain.AgentRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[run.ID] = run
	l.created = append(l.created, run.ID)
	return nil
}

func (l *fakeLedger) CompleteAgentRun(ctx context.Context, runID string, output json.RawMessage, model string, tokensUsed int, costEstimate float64, durationMs int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejectUpdates {
		return false, nil
	}
	run, ok := l.runs[runID]
	if !ok || run.Status != domain.RunStatusRunning {
		return false, nil
	}
	run.Status = domain.RunStatusCompleted
	run.Output = output
	run.ModelUsed = model
	run.TokensUsed = tokensUsed
	run.CostEstimate = costEstimate
	run.DurationMs = durationMs
	l.runs[runID] = run
	return true, nil
}

func (l *fakeLedger) FailAgentRun(ctx context.Context, runID string, errorMessage string, durationMs int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[runID]
	if !ok || domain.IsFinalRunStatus(run.Status) {
		return false, nil
	}
	run.Status = domain.RunStatusFailed
	run.ErrorMessage = errorMessage
	run.DurationMs = durationMs
	l.runs[runID] = run
	return true, nil
}

func (l *fakeLedger) LogEvent(ctx context.Context, entry domain.EventLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, entry)
	return nil
}

func (l *fakeLedger) run(t *testing.T, id string) domain.AgentRun {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		t.Fatalf("run %s not found", id)
	}
	return run
}

type fakeEnforcer struct {
	mu      sync.Mutex
	calls   int
	outputs []json.RawMessage
	errs    []error
	usage   generate.Usage
}

func (e *fakeEnforcer) Enforce(context.Context, string, string, generate.EnforceOptions) (json.RawMessage, generate.Usage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.calls
	e.calls++
	if idx < len(e.errs) && e.errs[idx] != nil {
		return nil, e.usage, e.errs[idx]
	}
	if idx < len(e.outputs) {
		return e.outputs[idx], e.usage, nil
	}
	if len(e.outputs) > 0 {
		return e.outputs[len(e.outputs)-1], e.usage, nil
	}
	return nil, e.usage, errors.New("no scripted output")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []metrics.Event
}

func (p *recordingPublisher) Publish(event metrics.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(
		Spec{
			Stage:          domain.StageResearch,
			SystemPrompt:   "prompt",
			Input:          []Field{{Name: "q", Kind: FieldString, Required: true}},
			Output:         []Field{{Name: "a", Kind: FieldString, Required: true}},
			OutputMode:     domain.OutputModeStrict,
			CostPerKTokens: 2.0,
		},
		Spec{
			Stage:        domain.StageLayout,
			SystemPrompt: "prompt",
			OutputMode:   domain.OutputModeBestEffort,
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func TestRunCompletesAndPricesRun(t *testing.T) {
	ledger := newFakeLedger()
	enforcer := &fakeEnforcer{
		outputs: []json.RawMessage{json.RawMessage(`{"a": "answer"}`)},
		usage:   generate.Usage{TokensUsed: 500, Model: "m1", Attempts: 1},
	}
	publisher := &recordingPublisher{}
	inv := NewInvoker(testRegistry(t), enforcer, ledger, publisher, nil)

	output, err := inv.Run(context.Background(), "p1", domain.StageResearch, json.RawMessage(`{"q": "hi"}`), "corr-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(output) != `{"a": "answer"}` {
		t.Fatalf("unexpected output %q", output)
	}
	if len(ledger.created) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(ledger.created))
	}
	run := ledger.run(t, ledger.created[0])
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	if run.CostEstimate != 1.0 {
		t.Fatalf("expected cost 1.0 for 500 tokens at $2/1k, got %f", run.CostEstimate)
	}
	if len(publisher.events) != 1 || publisher.events[0].Failed {
		t.Fatalf("expected one success metrics event, got %+v", publisher.events)
	}
	if publisher.events[0].CorrelationID != "corr-1" {
		t.Fatalf("metrics event must carry the correlation id")
	}
}

func TestRunInvalidInputHasNoSideEffects(t *testing.T) {
	ledger := newFakeLedger()
	enforcer := &fakeEnforcer{outputs: []json.RawMessage{json.RawMessage(`{"a": "x"}`)}}
	inv := NewInvoker(testRegistry(t), enforcer, ledger, nil, nil)

	_, err := inv.Run(context.Background(), "p1", domain.StageResearch, json.RawMessage(`{}`), "")
	if !domain.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ledger.created) != 0 {
		t.Fatal("input validation failure must not create a run record")
	}
	if enforcer.calls != 0 {
		t.Fatal("input validation failure must not call the generator")
	}
}

func TestRunStrictOutputValidationFailsRun(t *testing.T) {
	ledger := newFakeLedger()
	enforcer := &fakeEnforcer{outputs: []json.RawMessage{json.RawMessage(`{"unexpected": 1}`)}}
	publisher := &recordingPublisher{}
	inv := NewInvoker(testRegistry(t), enforcer, ledger, publisher, nil)

	_, err := inv.Run(context.Background(), "p1", domain.StageResearch, json.RawMessage(`{"q": "hi"}`), "")
	if !domain.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	run := ledger.run(t, ledger.created[0])
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	if len(publisher.events) != 1 || !publisher.events[0].Failed {
		t.Fatalf("expected one failure metrics event, got %+v", publisher.events)
	}
	if len(ledger.events) != 1 || ledger.events[0].Action != "agent_run_failed" {
		t.Fatalf("expected failure audit entry, got %+v", ledger.events)
	}
}

func TestRunBestEffortSkipsOutputValidation(t *testing.T) {
	ledger := newFakeLedger()
	enforcer := &fakeEnforcer{outputs: []json.RawMessage{json.RawMessage(`{"whatever": true}`)}}
	inv := NewInvoker(testRegistry(t), enforcer, ledger, nil, nil)

	if _, err := inv.Run(context.Background(), "p1", domain.StageLayout, json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("best-effort run should accept any object: %v", err)
	}
	run := ledger.run(t, ledger.created[0])
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
}

func TestRunDiscardsLateResultAfterCancellation(t *testing.T) {
	ledger := newFakeLedger()
	ledger.rejectUpdates = true
	enforcer := &fakeEnforcer{outputs: []json.RawMessage{json.RawMessage(`{"a": "x"}`)}}
	inv := NewInvoker(testRegistry(t), enforcer, ledger, nil, nil)

	_, err := inv.Run(context.Background(), "p1", domain.StageResearch, json.RawMessage(`{"q": "hi"}`), "")
	if !errors.Is(err, domain.ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
}

// expiringEnforcer kills the run's context mid-call, the shape of a queue
// job timeout firing while the model call is in flight.
type expiringEnforcer struct {
	cancel context.CancelFunc
}

func (e *expiringEnforcer) Enforce(ctx context.Context, _, _ string, _ generate.EnforceOptions) (json.RawMessage, generate.Usage, error) {
	e.cancel()
	<-ctx.Done()
	return nil, generate.Usage{}, ctx.Err()
}

func TestRunPersistsFailureWhenContextExpires(t *testing.T) {
	ledger := newFakeLedger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := NewInvoker(testRegistry(t), &expiringEnforcer{cancel: cancel}, ledger, nil, nil)

	_, err := inv.Run(ctx, "p1", domain.StageResearch, json.RawMessage(`{"q": "hi"}`), "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the context error, got %v", err)
	}
	if len(ledger.created) != 1 {
		t.Fatalf("expected one run, got %d", len(ledger.created))
	}
	run := ledger.run(t, ledger.created[0])
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("run must end failed even when the job context is dead, got %s", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Fatal("failed run must carry a non-empty error message")
	}
	if len(ledger.events) != 1 || ledger.events[0].Action != "agent_run_failed" {
		t.Fatalf("failure audit entry must still land, got %+v", ledger.events)
	}
}

func TestRunWithRetryCreatesRunPerAttempt(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff sleeps for real")
	}
	ledger := newFakeLedger()
	transient := errors.New("upstream 503")
	enforcer := &fakeEnforcer{
		errs:    []error{transient, transient, nil},
		outputs: []json.RawMessage{nil, nil, json.RawMessage(`{"a": "x"}`)},
		usage:   generate.Usage{TokensUsed: 10, Model: "m1"},
	}
	inv := NewInvoker(testRegistry(t), enforcer, ledger, nil, nil)

	started := time.Now()
	output, err := inv.RunWithRetry(context.Background(), "p1", domain.StageResearch, json.RawMessage(`{"q": "hi"}`), "corr", 2)
	if err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	if string(output) != `{"a": "x"}` {
		t.Fatalf("unexpected output %q", output)
	}
	if elapsed := time.Since(started); elapsed < 3*time.Second {
		t.Fatalf("expected backoff of 1s then 2s, elapsed %s", elapsed)
	}

	if len(ledger.created) != 3 {
		t.Fatalf("each attempt must create its own run, got %d", len(ledger.created))
	}
	for i, id := range ledger.created {
		run := ledger.run(t, id)
		if run.RetryCount != i {
			t.Fatalf("run %d has retry count %d", i, run.RetryCount)
		}
		want := domain.RunStatusFailed
		if i == 2 {
			want = domain.RunStatusCompleted
		}
		if run.Status != want {
			t.Fatalf("run %d has status %s, want %s", i, run.Status, want)
		}
	}
}

func TestRunWithRetryStopsOnValidationError(t *testing.T) {
	ledger := newFakeLedger()
	enforcer := &fakeEnforcer{outputs: []json.RawMessage{json.RawMessage(`{"unexpected": 1}`)}}
	inv := NewInvoker(testRegistry(t), enforcer, ledger, nil, nil)

	_, err := inv.RunWithRetry(context.Background(), "p1", domain.StageResearch, json.RawMessage(`{"q": "hi"}`), "", 5)
	if !domain.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ledger.created) != 1 {
		t.Fatalf("validation errors must not be retried, got %d runs", len(ledger.created))
	}
}
