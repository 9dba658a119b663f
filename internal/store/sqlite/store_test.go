package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"sitepipe/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func seedProject(t *testing.T, store *Store) domain.Project {
	t.Helper()
	project := domain.Project{ID: uuid.NewString(), Name: "test-site"}
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return project
}

func seedRunningRun(t *testing.T, store *Store, projectID string) domain.AgentRun {
	t.Helper()
	run := domain.AgentRun{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Stage:         domain.StageResearch,
		Status:        domain.RunStatusRunning,
		Input:         json.RawMessage(`{"q": 1}`),
		CorrelationID: uuid.NewString(),
	}
	if err := store.CreateAgentRun(context.Background(), run); err != nil {
		t.Fatalf("CreateAgentRun: %v", err)
	}
	return run
}

func TestCompleteAgentRunIsStatusGuarded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	project := seedProject(t, store)
	run := seedRunningRun(t, store, project.ID)

	updated, err := store.CompleteAgentRun(ctx, run.ID, json.RawMessage(`{"a": 1}`), "m1", 100, 0.5, 1200)
	if err != nil {
		t.Fatalf("CompleteAgentRun: %v", err)
	}
	if !updated {
		t.Fatal("first completion must apply")
	}

	updated, err = store.CompleteAgentRun(ctx, run.ID, json.RawMessage(`{"a": 2}`), "m1", 1, 0, 1)
	if err != nil {
		t.Fatalf("CompleteAgentRun: %v", err)
	}
	if updated {
		t.Fatal("second completion must be rejected")
	}

	got, err := store.GetAgentRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetAgentRun: %v", err)
	}
	if got.Status != domain.RunStatusCompleted || got.TokensUsed != 100 {
		t.Fatalf("unexpected run %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed run must have a completion time")
	}
}

func TestCancelledRunDiscardsLateCompletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	project := seedProject(t, store)
	run := seedRunningRun(t, store, project.ID)

	cancelled, err := store.CancelAgentRun(ctx, run.ID, "operator abort")
	if err != nil {
		t.Fatalf("CancelAgentRun: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel must apply to a running run")
	}

	updated, err := store.CompleteAgentRun(ctx, run.ID, json.RawMessage(`{"late": true}`), "m1", 1, 0, 1)
	if err != nil {
		t.Fatalf("CompleteAgentRun: %v", err)
	}
	if updated {
		t.Fatal("late completion after cancellation must be discarded")
	}

	got, err := store.GetAgentRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetAgentRun: %v", err)
	}
	if got.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.Output != nil {
		t.Fatal("cancelled run must not carry the late output")
	}
}

func enqueueTestJob(t *testing.T, store *Store, queue string, mutate func(*domain.Job)) domain.Job {
	t.Helper()
	job := domain.Job{
		ID:            uuid.NewString(),
		Queue:         queue,
		Name:          "stage:run",
		CorrelationID: uuid.NewString(),
		MaxAttempts:   3,
		BackoffKind:   domain.BackoffExponential,
		BackoffBase:   5 * time.Second,
	}
	if mutate != nil {
		mutate(&job)
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func TestClaimNextJobOrderAndAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := enqueueTestJob(t, store, "build", func(j *domain.Job) {
		j.RunAt = now.Add(-2 * time.Minute)
	})
	high := enqueueTestJob(t, store, "build", func(j *domain.Job) {
		j.Priority = 5
		j.RunAt = now.Add(-time.Minute)
	})
	enqueueTestJob(t, store, "build", func(j *domain.Job) {
		j.RunAt = now.Add(time.Hour)
	})

	first, claimed, err := store.ClaimNextJob(ctx, "build", now, now.Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	if first.ID != high.ID {
		t.Fatal("higher priority job must be claimed first")
	}
	if first.Status != domain.JobStatusActive || first.AttemptsMade != 1 {
		t.Fatalf("claim must activate and count the attempt, got %+v", first)
	}

	second, claimed, err := store.ClaimNextJob(ctx, "build", now, now.Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("second claim: claimed=%v err=%v", claimed, err)
	}
	if second.ID != low.ID {
		t.Fatal("older runnable job must be claimed second")
	}

	_, claimed, err = store.ClaimNextJob(ctx, "build", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if claimed {
		t.Fatal("future-scheduled job must not be claimable yet")
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueueTestJob(t, store, "build", func(j *domain.Job) {
		j.RunAt = now.Add(-time.Minute)
	})
	if _, claimed, err := store.ClaimNextJob(ctx, "build", now, now.Add(-time.Second)); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	requeued, err := store.RequeueExpiredLeases(ctx, now)
	if err != nil {
		t.Fatalf("RequeueExpiredLeases: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected 1 requeued job, got %d", requeued)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != domain.JobStatusWaiting {
		t.Fatalf("expired job must return to waiting, got %s", got.Status)
	}
	if got.AttemptsMade != 1 {
		t.Fatalf("lease recovery must not reset the attempt count, got %d", got.AttemptsMade)
	}
}

func TestDeleteWaitingJobsLeavesActiveAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueueTestJob(t, store, "build", func(j *domain.Job) { j.RunAt = now.Add(-time.Minute) })
	enqueueTestJob(t, store, "build", func(j *domain.Job) { j.RunAt = now.Add(time.Hour) })
	if _, claimed, err := store.ClaimNextJob(ctx, "build", now, now.Add(time.Minute)); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	removed, err := store.DeleteWaitingJobs(ctx, "build")
	if err != nil {
		t.Fatalf("DeleteWaitingJobs: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed waiting job, got %d", removed)
	}
	health, err := store.CountQueueJobs(ctx, "build", now)
	if err != nil {
		t.Fatalf("CountQueueJobs: %v", err)
	}
	if health.Active != 1 || health.Waiting != 0 {
		t.Fatalf("drain must keep active jobs, got %+v", health)
	}
}

func TestPurgeJobsByAgeAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		job := enqueueTestJob(t, store, "publish", func(j *domain.Job) { j.RunAt = now.Add(-time.Minute) })
		if _, claimed, err := store.ClaimNextJob(ctx, "publish", now, now.Add(time.Minute)); err != nil || !claimed {
			t.Fatalf("claim %d: claimed=%v err=%v", i, claimed, err)
		}
		if err := store.CompleteJob(ctx, job.ID); err != nil {
			t.Fatalf("CompleteJob: %v", err)
		}
	}

	removed, err := store.PurgeJobs(ctx, "publish", domain.JobStatusCompleted, now.Add(-time.Hour), 2)
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected count trim to remove 3 jobs, got %d", removed)
	}

	removed, err = store.PurgeJobs(ctx, "publish", domain.JobStatusCompleted, now.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected age purge to remove the remaining 2 jobs, got %d", removed)
	}
}

func TestDecrementCounterDrainsExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const workers = 24

	if err := store.SetCounter(ctx, "content:p1", workers); err != nil {
		t.Fatalf("SetCounter: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	drained := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, existed, err := store.DecrementCounter(ctx, "content:p1")
			if err != nil {
				t.Errorf("DecrementCounter: %v", err)
				return
			}
			if existed && remaining == 0 {
				mu.Lock()
				drained++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if drained != 1 {
		t.Fatalf("exactly one worker must observe the drained counter, got %d", drained)
	}
	if _, exists, err := store.GetCounter(ctx, "content:p1"); err != nil || exists {
		t.Fatalf("drained counter must be deleted, exists=%v err=%v", exists, err)
	}

	// Stragglers after the drain see a missing counter, never a negative one.
	if _, existed, err := store.DecrementCounter(ctx, "content:p1"); err != nil || existed {
		t.Fatalf("decrement after drain: existed=%v err=%v", existed, err)
	}
}

func TestPageContentLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	project := seedProject(t, store)

	page := domain.Page{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Slug:      "about",
		Title:     "About",
		Brief:     json.RawMessage(`{"purpose": "company story"}`),
	}
	if err := store.CreatePage(ctx, page); err != nil {
		t.Fatalf("CreatePage: %v", err)
	}

	drafts, err := store.ListProjectPages(ctx, project.ID, domain.PageStatusDraft)
	if err != nil {
		t.Fatalf("ListProjectPages: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(drafts))
	}

	content := json.RawMessage(`{"title": "About", "sections": []}`)
	layout := json.RawMessage(`{"sections": []}`)
	applied, err := store.SetPageContent(ctx, page.ID, content, layout, domain.PageStatusReady)
	if err != nil {
		t.Fatalf("SetPageContent: %v", err)
	}
	if !applied {
		t.Fatal("first content write must apply")
	}

	got, err := store.GetPage(ctx, page.ID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Status != domain.PageStatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
	if string(got.Content) != string(content) || string(got.Layout) != string(layout) {
		t.Fatalf("content round-trip mismatch: %+v", got)
	}

	if drafts, err = store.ListProjectPages(ctx, project.ID, domain.PageStatusDraft); err != nil || len(drafts) != 0 {
		t.Fatalf("draft filter should be empty after transition, got %d err=%v", len(drafts), err)
	}
}

func TestPageTransitionsAreStatusGuarded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	project := seedProject(t, store)

	page := domain.Page{ID: uuid.NewString(), ProjectID: project.ID, Slug: "home", Title: "Home", Brief: json.RawMessage(`{}`)}
	if err := store.CreatePage(ctx, page); err != nil {
		t.Fatalf("CreatePage: %v", err)
	}

	first := json.RawMessage(`{"v": 1}`)
	applied, err := store.SetPageContent(ctx, page.ID, first, nil, domain.PageStatusReady)
	if err != nil || !applied {
		t.Fatalf("first write must apply: applied=%v err=%v", applied, err)
	}

	// A second write cannot touch a page that already left generating.
	applied, err = store.SetPageContent(ctx, page.ID, json.RawMessage(`{"v": 2}`), nil, domain.PageStatusReady)
	if err != nil {
		t.Fatalf("SetPageContent replay: %v", err)
	}
	if applied {
		t.Fatal("replayed content write must be rejected")
	}
	got, _ := store.GetPage(ctx, page.ID)
	if string(got.Content) != string(first) {
		t.Fatalf("settled content must survive a replay, got %s", got.Content)
	}

	failed, err := store.MarkPageFailed(ctx, page.ID)
	if err != nil || !failed {
		t.Fatalf("ready page must be failable: failed=%v err=%v", failed, err)
	}
	failed, err = store.MarkPageFailed(ctx, page.ID)
	if err != nil {
		t.Fatalf("MarkPageFailed replay: %v", err)
	}
	if failed {
		t.Fatal("failing an already-failed page must not apply")
	}

	if err := store.UpdatePageStatus(ctx, page.ID, domain.PageStatusPublished); err != nil {
		t.Fatalf("UpdatePageStatus: %v", err)
	}
	if failed, _ = store.MarkPageFailed(ctx, page.ID); failed {
		t.Fatal("published pages must never flip to failed")
	}
}

func TestFailLatestRunTargetsMostRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	project := seedProject(t, store)

	older := seedRunningRun(t, store, project.ID)
	if _, err := store.CompleteAgentRun(ctx, older.ID, json.RawMessage(`{}`), "m1", 1, 0, 1); err != nil {
		t.Fatalf("CompleteAgentRun: %v", err)
	}
	newer := seedRunningRun(t, store, project.ID)

	if err := store.FailLatestRun(ctx, project.ID, domain.StageResearch, "queue gave up"); err != nil {
		t.Fatalf("FailLatestRun: %v", err)
	}

	gotOlder, _ := store.GetAgentRun(ctx, older.ID)
	if gotOlder.Status != domain.RunStatusCompleted {
		t.Fatalf("completed run must be untouched, got %s", gotOlder.Status)
	}
	gotNewer, _ := store.GetAgentRun(ctx, newer.ID)
	if gotNewer.Status != domain.RunStatusFailed || gotNewer.ErrorMessage != "queue gave up" {
		t.Fatalf("latest running run must be failed, got %+v", gotNewer)
	}
}
