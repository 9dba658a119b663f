package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sitepipe/internal/config"
	"sitepipe/internal/domain"
	"sitepipe/internal/queue"
)

// Job names understood by the dispatcher.
const (
	JobStageRun       = "stage:run"
	JobWebhookDeliver = "webhook:deliver"
)

const publishStagger = 500 * time.Millisecond

// Store is the persistence surface the dispatcher needs. Satisfied by
// *sqlite.Store.
type Store interface {
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, lastError string) error
	CreatePage(ctx context.Context, page domain.Page) error
	GetPage(ctx context.Context, pageID string) (domain.Page, error)
	ListProjectPages(ctx context.Context, projectID string, status domain.PageStatus) ([]domain.Page, error)
	UpdatePageStatus(ctx context.Context, pageID string, status domain.PageStatus) error
	SetPageContent(ctx context.Context, pageID string, content, layout json.RawMessage, status domain.PageStatus) (bool, error)
	MarkPageFailed(ctx context.Context, pageID string) (bool, error)
	FailLatestRun(ctx context.Context, projectID string, stage domain.Stage, errorMessage string) error
	SetCounter(ctx context.Context, key string, value int) error
	DecrementCounter(ctx context.Context, key string) (int, bool, error)
	LogEvent(ctx context.Context, entry domain.EventLog) error
}

// StageRunner executes one stage agent invocation. Satisfied by
// *agent.Invoker; the queue owns retries, so each job attempt is one run.
type StageRunner interface {
	Run(ctx context.Context, projectID string, stage domain.Stage, input json.RawMessage, correlationID string) (json.RawMessage, error)
}

// SpecSource answers whether a stage is critical for the project.
type SpecSource interface {
	Critical(stage domain.Stage) bool
}

// Exporter writes a published page document to the site output.
type Exporter interface {
	Publish(ctx context.Context, projectID, slug string, doc json.RawMessage) error
}

// MetricsRetirer drops per-correlation aggregates once a pipeline run ends.
// Satisfied by *metrics.Collector.
type MetricsRetirer interface {
	Forget(correlationID string)
}

// Dispatcher is the queue.Handler for every pipeline queue. It runs stage
// agents, walks the transition table and manages the content fan-out
// counter.
type Dispatcher struct {
	store     Store
	scheduler *queue.Scheduler
	runner    StageRunner
	specs     SpecSource
	exporter  Exporter
	metrics   MetricsRetirer
	webhook   config.WebhookConfig
	client    *http.Client
	logger    *log.Logger
}

func NewDispatcher(store Store, scheduler *queue.Scheduler, runner StageRunner, specs SpecSource, exporter Exporter, metrics MetricsRetirer, webhook config.WebhookConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		store:     store,
		scheduler: scheduler,
		runner:    runner,
		specs:     specs,
		exporter:  exporter,
		metrics:   metrics,
		webhook:   webhook,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

func (d *Dispatcher) Handle(ctx context.Context, job domain.Job) error {
	switch job.Name {
	case JobWebhookDeliver:
		return d.deliverWebhook(ctx, job)
	case JobStageRun:
		return d.handleStage(ctx, job)
	default:
		// Unknown names are terminal: replaying cannot make them known.
		return domain.ValidationError{Reason: fmt.Sprintf("unknown job name %q", job.Name)}
	}
}

func (d *Dispatcher) handleStage(ctx context.Context, job domain.Job) error {
	var payload domain.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.ValidationError{Stage: job.Stage, Reason: fmt.Sprintf("decode job payload: %v", err)}
	}

	switch job.Stage {
	case domain.StageContent:
		if payload.PageID == "" {
			return d.fanOutContent(ctx, job, payload)
		}
		return d.runPageContent(ctx, job, payload)
	case domain.StagePublish:
		return d.runPagePublish(ctx, job, payload)
	default:
		return d.runProjectStage(ctx, job, payload)
	}
}

// runProjectStage runs a project-level agent (research, architecture,
// monitor, optimize) and follows the success transition.
func (d *Dispatcher) runProjectStage(ctx context.Context, job domain.Job, payload domain.JobPayload) error {
	output, err := d.runner.Run(ctx, payload.ProjectID, job.Stage, payload.Input, payload.CorrelationID)
	if err != nil {
		return err
	}

	if job.Stage == domain.StageArchitecture {
		if err := d.createDraftPages(ctx, payload.ProjectID, output); err != nil {
			return err
		}
	}

	next, ok := transitionFor(job.Stage, false)
	if !ok || next.NextStage == "" {
		// End of the chain; the correlation's aggregate is final.
		d.retireMetrics(payload.CorrelationID)
		return nil
	}
	nextInput := output
	if next.FanOut {
		// The content entry job derives its own inputs from draft pages.
		nextInput = nil
	}
	_, err = d.scheduler.Enqueue(ctx, next.Queue, JobStageRun, domain.JobPayload{
		ProjectID:     payload.ProjectID,
		Stage:         next.NextStage,
		Input:         nextInput,
		CorrelationID: payload.CorrelationID,
	}, queue.EnqueueOptions{Delay: next.Delay})
	if err != nil {
		return fmt.Errorf("enqueue %s stage: %w", next.NextStage, err)
	}
	return nil
}

// fanOutContent expands the content entry job into one job per draft page
// and arms the fan-in counter. Zero drafts is a logged no-op.
func (d *Dispatcher) fanOutContent(ctx context.Context, job domain.Job, payload domain.JobPayload) error {
	drafts, err := d.store.ListProjectPages(ctx, payload.ProjectID, domain.PageStatusDraft)
	if err != nil {
		return fmt.Errorf("list draft pages: %w", err)
	}
	if len(drafts) == 0 {
		d.logger.Printf("project %s has no draft pages, content fan-out skipped", payload.ProjectID)
		return nil
	}

	// The counter is armed before any page job exists so no completion can
	// race an unset counter.
	if err := d.store.SetCounter(ctx, contentCounterKey(payload.ProjectID), len(drafts)); err != nil {
		return fmt.Errorf("arm fan-out counter: %w", err)
	}

	payloads := make([]domain.JobPayload, 0, len(drafts))
	for _, page := range drafts {
		payloads = append(payloads, domain.JobPayload{
			ProjectID:     payload.ProjectID,
			Stage:         domain.StageContent,
			PageID:        page.ID,
			CorrelationID: payload.CorrelationID,
		})
	}
	if _, err := d.scheduler.EnqueueBulk(ctx, config.QueueBuild, JobStageRun, payloads, publishStagger); err != nil {
		return fmt.Errorf("enqueue page content jobs: %w", err)
	}
	d.logger.Printf("project %s fanned out content generation for %d pages", payload.ProjectID, len(drafts))
	return nil
}

// runPageContent generates one page's content, chains layout synchronously
// and decrements the fan-in counter. The last page to finish schedules
// publishing for the whole project.
func (d *Dispatcher) runPageContent(ctx context.Context, job domain.Job, payload domain.JobPayload) error {
	page, err := d.store.GetPage(ctx, payload.PageID)
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}
	if page.Status != domain.PageStatusDraft && page.Status != domain.PageStatusGenerating {
		// A replay after a lease expiry: this branch already settled and its
		// counter decrement already happened.
		d.logger.Printf("page %s is already %s, content job replay skipped", page.ID, page.Status)
		return nil
	}
	if err := d.store.UpdatePageStatus(ctx, page.ID, domain.PageStatusGenerating); err != nil {
		return fmt.Errorf("mark page generating: %w", err)
	}

	input := mustJSON(map[string]any{
		"slug":  page.Slug,
		"title": page.Title,
		"brief": json.RawMessage(page.Brief),
	})
	content, err := d.runner.Run(ctx, payload.ProjectID, domain.StageContent, input, payload.CorrelationID)
	if err != nil {
		return err
	}

	// Layout runs in the same job: it needs the fresh content and has no
	// value on its own, so a separate queue hop buys nothing.
	var layout json.RawMessage
	if sections, ok := jsonField(content, "sections"); ok {
		layoutInput := mustJSON(map[string]any{"sections": sections})
		layout, err = d.runner.Run(ctx, payload.ProjectID, domain.StageLayout, layoutInput, payload.CorrelationID)
		if err != nil {
			return err
		}
	}

	applied, err := d.store.SetPageContent(ctx, page.ID, content, layout, domain.PageStatusReady)
	if err != nil {
		return fmt.Errorf("store page content: %w", err)
	}
	if !applied {
		// The branch settled concurrently (for example a terminal failure
		// already drained it); decrementing again would break the barrier.
		return nil
	}
	return d.finishContentBranch(ctx, payload)
}

// finishContentBranch decrements the fan-in counter and, exactly once,
// schedules publishing when the counter drains.
func (d *Dispatcher) finishContentBranch(ctx context.Context, payload domain.JobPayload) error {
	remaining, existed, err := d.store.DecrementCounter(ctx, contentCounterKey(payload.ProjectID))
	if err != nil {
		return fmt.Errorf("decrement fan-out counter: %w", err)
	}
	if !existed {
		// Counter already drained, nothing left to coordinate.
		return nil
	}
	if remaining > 0 {
		return nil
	}
	return d.schedulePublish(ctx, payload)
}

func (d *Dispatcher) schedulePublish(ctx context.Context, payload domain.JobPayload) error {
	ready, err := d.store.ListProjectPages(ctx, payload.ProjectID, domain.PageStatusReady)
	if err != nil {
		return fmt.Errorf("list ready pages: %w", err)
	}
	if len(ready) == 0 {
		d.logger.Printf("project %s finished content with no publishable pages", payload.ProjectID)
		return nil
	}
	next, _ := transitionFor(domain.StageContent, false)
	payloads := make([]domain.JobPayload, 0, len(ready))
	for _, page := range ready {
		payloads = append(payloads, domain.JobPayload{
			ProjectID:     payload.ProjectID,
			Stage:         next.NextStage,
			PageID:        page.ID,
			CorrelationID: payload.CorrelationID,
		})
	}
	if _, err := d.scheduler.EnqueueBulk(ctx, next.Queue, JobStageRun, payloads, publishStagger); err != nil {
		return fmt.Errorf("enqueue publish jobs: %w", err)
	}
	d.logger.Printf("project %s content complete, %d pages queued for publish", payload.ProjectID, len(ready))
	return nil
}

// runPagePublish produces the final document for one page, exports it and
// closes out the project when the last page lands.
func (d *Dispatcher) runPagePublish(ctx context.Context, job domain.Job, payload domain.JobPayload) error {
	page, err := d.store.GetPage(ctx, payload.PageID)
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}
	input := mustJSON(map[string]any{
		"slug":    page.Slug,
		"content": json.RawMessage(page.Content),
		"layout":  json.RawMessage(page.Layout),
	})
	doc, err := d.runner.Run(ctx, payload.ProjectID, domain.StagePublish, input, payload.CorrelationID)
	if err != nil {
		return err
	}
	if d.exporter != nil {
		if err := d.exporter.Publish(ctx, payload.ProjectID, page.Slug, doc); err != nil {
			return fmt.Errorf("export page %s: %w", page.Slug, err)
		}
	}
	if err := d.store.UpdatePageStatus(ctx, page.ID, domain.PageStatusPublished); err != nil {
		return fmt.Errorf("mark page published: %w", err)
	}
	return d.maybeFinishProject(ctx, payload)
}

// maybeFinishProject completes the project once every page is published or
// terminally failed, then kicks off monitoring.
func (d *Dispatcher) maybeFinishProject(ctx context.Context, payload domain.JobPayload) error {
	pages, err := d.store.ListProjectPages(ctx, payload.ProjectID, "")
	if err != nil {
		return fmt.Errorf("list project pages: %w", err)
	}
	for _, page := range pages {
		if page.Status != domain.PageStatusPublished && page.Status != domain.PageStatusFailed {
			return nil
		}
	}

	if err := d.store.UpdateProjectStatus(ctx, payload.ProjectID, domain.ProjectStatusCompleted, ""); err != nil {
		return fmt.Errorf("complete project: %w", err)
	}
	d.emitWebhook(ctx, domain.WebhookEvent{
		Event:         "project.published",
		ProjectID:     payload.ProjectID,
		CorrelationID: payload.CorrelationID,
		OccurredAt:    time.Now().UTC(),
	})

	next, ok := transitionFor(domain.StagePublish, false)
	if !ok || next.NextStage == "" {
		return nil
	}
	project, err := d.store.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return fmt.Errorf("load project for monitoring: %w", err)
	}
	monitorInput := mustJSON(map[string]any{"site_url": project.SiteURL})
	_, err = d.scheduler.Enqueue(ctx, next.Queue, JobStageRun, domain.JobPayload{
		ProjectID:     payload.ProjectID,
		Stage:         next.NextStage,
		Input:         monitorInput,
		CorrelationID: payload.CorrelationID,
	}, queue.EnqueueOptions{Delay: next.Delay})
	if err != nil {
		return fmt.Errorf("enqueue monitor stage: %w", err)
	}
	return nil
}

// HandleTerminalFailure runs after a job burns its whole attempt budget.
// Critical stages flip the project into error; a failed page still
// decrements the fan-in counter so its siblings can publish.
func (d *Dispatcher) HandleTerminalFailure(ctx context.Context, job domain.Job, cause error) {
	var payload domain.JobPayload
	_ = json.Unmarshal(job.Payload, &payload)
	if payload.ProjectID == "" {
		payload.ProjectID = job.ProjectID
	}

	_ = d.store.LogEvent(ctx, domain.EventLog{
		ProjectID: payload.ProjectID,
		Actor:     "queue:" + job.Queue,
		Action:    "job_failed_terminally",
		Reason:    cause.Error(),
		Payload:   mustJSON(map[string]any{"job_id": job.ID, "stage": job.Stage, "attempts": job.AttemptsMade}),
	})
	if err := d.store.FailLatestRun(ctx, payload.ProjectID, job.Stage, cause.Error()); err != nil {
		d.logger.Printf("mark latest run failed project=%s stage=%s: %v", payload.ProjectID, job.Stage, err)
	}

	if job.Stage == domain.StageContent && payload.PageID != "" {
		// Only an unsettled branch still holds a counter slot; a page that
		// already reached ready kept its content and its decrement.
		page, err := d.store.GetPage(ctx, payload.PageID)
		if err != nil {
			d.logger.Printf("load page for failure page=%s: %v", payload.PageID, err)
		} else if page.Status == domain.PageStatusDraft || page.Status == domain.PageStatusGenerating {
			if _, err := d.store.MarkPageFailed(ctx, payload.PageID); err != nil {
				d.logger.Printf("mark page failed page=%s: %v", payload.PageID, err)
			}
			if err := d.finishContentBranch(ctx, payload); err != nil {
				d.logger.Printf("close content branch after failure page=%s: %v", payload.PageID, err)
			}
		}
	}
	if job.Stage == domain.StagePublish && payload.PageID != "" {
		if _, err := d.store.MarkPageFailed(ctx, payload.PageID); err != nil {
			d.logger.Printf("mark page failed page=%s: %v", payload.PageID, err)
		}
	}

	if t, ok := transitionFor(job.Stage, true); ok && t.MarkProjectError && d.specs.Critical(job.Stage) {
		if err := d.store.UpdateProjectStatus(ctx, payload.ProjectID, domain.ProjectStatusError, cause.Error()); err != nil {
			d.logger.Printf("mark project error project=%s: %v", payload.ProjectID, err)
		}
		// The pipeline is dead; nothing will read this aggregate again.
		d.retireMetrics(payload.CorrelationID)
	}

	d.emitWebhook(ctx, domain.WebhookEvent{
		Event:         "stage.failed",
		ProjectID:     payload.ProjectID,
		Stage:         job.Stage,
		Detail:        cause.Error(),
		CorrelationID: payload.CorrelationID,
		OccurredAt:    time.Now().UTC(),
	})
}

// createDraftPages turns the architecture output's page list into draft
// page rows, skipping duplicates from a replayed job.
func (d *Dispatcher) createDraftPages(ctx context.Context, projectID string, output json.RawMessage) error {
	var plan struct {
		Pages []struct {
			Slug    string `json:"slug"`
			Title   string `json:"title"`
			Purpose string `json:"purpose"`
		} `json:"pages"`
	}
	if err := json.Unmarshal(output, &plan); err != nil {
		return domain.ValidationError{Stage: domain.StageArchitecture, Field: "pages", Reason: fmt.Sprintf("decode page plan: %v", err)}
	}

	existing, err := d.store.ListProjectPages(ctx, projectID, "")
	if err != nil {
		return fmt.Errorf("list existing pages: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, page := range existing {
		seen[page.Slug] = true
	}

	created := 0
	for _, item := range plan.Pages {
		if item.Slug == "" || seen[item.Slug] {
			continue
		}
		seen[item.Slug] = true
		page := domain.Page{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Slug:      item.Slug,
			Title:     item.Title,
			Status:    domain.PageStatusDraft,
			Brief:     mustJSON(item),
		}
		if err := d.store.CreatePage(ctx, page); err != nil {
			return fmt.Errorf("create draft page %s: %w", item.Slug, err)
		}
		created++
	}
	d.logger.Printf("project %s architecture produced %d new draft pages", projectID, created)
	return nil
}

// emitWebhook enqueues a delivery job; webhook failures never affect the
// pipeline itself.
func (d *Dispatcher) emitWebhook(ctx context.Context, event domain.WebhookEvent) {
	if !d.webhook.Enabled || d.webhook.URL == "" {
		return
	}
	_, err := d.scheduler.Enqueue(ctx, config.QueueWebhooks, JobWebhookDeliver, domain.JobPayload{
		ProjectID:     event.ProjectID,
		Stage:         event.Stage,
		Input:         mustJSON(event),
		CorrelationID: event.CorrelationID,
	}, queue.EnqueueOptions{})
	if err != nil {
		d.logger.Printf("enqueue webhook event %s project=%s: %v", event.Event, event.ProjectID, err)
	}
}

// deliverWebhook posts the event to the configured endpoint, signing the
// body when a secret is set. Non-2xx responses are retried by the queue.
func (d *Dispatcher) deliverWebhook(ctx context.Context, job domain.Job) error {
	var payload domain.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return domain.ValidationError{Reason: fmt.Sprintf("decode webhook payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook.URL, bytes.NewReader(payload.Input))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.webhook.Secret != "" {
		mac := hmac.New(sha256.New, []byte(d.webhook.Secret))
		mac.Write(payload.Input)
		req.Header.Set("X-Sitepipe-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) retireMetrics(correlationID string) {
	if d.metrics == nil || correlationID == "" {
		return
	}
	d.metrics.Forget(correlationID)
}

func contentCounterKey(projectID string) string {
	return "content:" + projectID
}

func jsonField(raw json.RawMessage, name string) (json.RawMessage, bool) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, false
	}
	value, ok := object[name]
	return value, ok
}

func mustJSON(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return payload
}
