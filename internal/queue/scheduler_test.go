package queue

import (
	"context"
	"testing"
	"time"

	"sitepipe/internal/domain"
	"sitepipe/internal/store/sqlite"
)

func newSchedulerFixture(t *testing.T, configs map[string]domain.QueueConfig) (*sqlite.Store, *Scheduler) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/sched.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store, NewScheduler(store, configs, nil)
}

func TestEnqueueStampsPolicyFromQueueConfig(t *testing.T) {
	_, scheduler := newSchedulerFixture(t, map[string]domain.QueueConfig{
		"build": {
			Name:        "build",
			MaxAttempts: 3,
			BackoffKind: domain.BackoffExponential,
			BackoffBase: 5 * time.Second,
		},
	})

	job, err := scheduler.Enqueue(context.Background(), "build", "stage:run", domain.JobPayload{
		ProjectID: "p1",
		Stage:     domain.StageContent,
		PageID:    "pg1",
	}, EnqueueOptions{Priority: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if job.MaxAttempts != 3 || job.BackoffKind != domain.BackoffExponential || job.BackoffBase != 5*time.Second {
		t.Fatalf("queue policy not stamped on job: %+v", job)
	}
	if job.CorrelationID == "" {
		t.Fatal("enqueue must mint a correlation id when none is given")
	}
	if job.ProjectID != "p1" || job.Stage != domain.StageContent || job.PageID != "pg1" {
		t.Fatalf("payload routing fields not denormalized: %+v", job)
	}
	if job.Priority != 2 {
		t.Fatalf("priority not applied: %d", job.Priority)
	}
}

func TestEnqueueUnknownQueueFails(t *testing.T) {
	_, scheduler := newSchedulerFixture(t, map[string]domain.QueueConfig{})
	if _, err := scheduler.Enqueue(context.Background(), "nope", "stage:run", domain.JobPayload{}, EnqueueOptions{}); err == nil {
		t.Fatal("expected unknown queue error")
	}
}

func TestEnqueueBulkStaggersRunTimes(t *testing.T) {
	_, scheduler := newSchedulerFixture(t, map[string]domain.QueueConfig{
		"build": {Name: "build", MaxAttempts: 1},
	})

	payloads := []domain.JobPayload{
		{ProjectID: "p1", PageID: "a", CorrelationID: "corr"},
		{ProjectID: "p1", PageID: "b", CorrelationID: "corr"},
		{ProjectID: "p1", PageID: "c", CorrelationID: "corr"},
	}
	jobs, err := scheduler.EnqueueBulk(context.Background(), "build", "stage:run", payloads, 10*time.Second)
	if err != nil {
		t.Fatalf("EnqueueBulk: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if gap := jobs[2].RunAt.Sub(jobs[0].RunAt); gap < 19*time.Second {
		t.Fatalf("expected roughly 20s between first and third job, got %s", gap)
	}
	for _, job := range jobs {
		if job.CorrelationID != "corr" {
			t.Fatal("bulk enqueue must preserve the shared correlation id")
		}
	}
}

func TestDrainRemovesOnlyWaitingJobs(t *testing.T) {
	store, scheduler := newSchedulerFixture(t, map[string]domain.QueueConfig{
		"build": {Name: "build", MaxAttempts: 1, JobTimeout: time.Minute},
	})
	ctx := context.Background()

	if _, err := scheduler.Enqueue(ctx, "build", "stage:run", domain.JobPayload{ProjectID: "p1"}, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	active, err := scheduler.Enqueue(ctx, "build", "stage:run", domain.JobPayload{ProjectID: "p1"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	now := time.Now().UTC()
	if _, claimed, err := store.ClaimNextJob(ctx, "build", now, now.Add(time.Minute)); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	removed, err := scheduler.Drain(ctx, "build")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 drained job, got %d", removed)
	}
	_ = active

	health, err := scheduler.Health(ctx, "build")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Waiting != 0 || health.Active != 1 {
		t.Fatalf("drain must keep the active job, got %+v", health)
	}
}

func TestHealthReportsPauseState(t *testing.T) {
	_, scheduler := newSchedulerFixture(t, map[string]domain.QueueConfig{
		"build": {Name: "build", MaxAttempts: 1},
	})
	scheduler.Pause("build")
	health, err := scheduler.Health(context.Background(), "build")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !health.Paused {
		t.Fatal("health must reflect the paused state")
	}
	scheduler.Resume("build")
	if scheduler.IsPaused("build") {
		t.Fatal("resume must clear the paused state")
	}
}

func TestIsHealthyRatio(t *testing.T) {
	tests := []struct {
		completed, failed int
		want              bool
	}{
		{0, 0, true},
		{100, 0, true},
		{100, 9, true},
		{100, 10, false},
		{0, 1, false},
		{10, 5, false},
	}
	for _, tc := range tests {
		if got := isHealthy(tc.completed, tc.failed); got != tc.want {
			t.Errorf("isHealthy(%d, %d) = %v, want %v", tc.completed, tc.failed, got, tc.want)
		}
	}
}
