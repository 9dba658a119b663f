package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitepipe/internal/domain"
)

// JobStore is the persistence surface the queue layer needs. Satisfied by
// *sqlite.Store.
type JobStore interface {
	EnqueueJob(ctx context.Context, job domain.Job) error
	ClaimNextJob(ctx context.Context, queue string, now, leaseUntil time.Time) (domain.Job, bool, error)
	CompleteJob(ctx context.Context, jobID string) error
	RetryJob(ctx context.Context, jobID string, lastError string, retryAt time.Time) error
	FailJob(ctx context.Context, jobID string, lastError string) error
	RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error)
	CountQueueJobs(ctx context.Context, queue string, now time.Time) (domain.QueueHealth, error)
	DeleteWaitingJobs(ctx context.Context, queue string) (int, error)
	PurgeJobs(ctx context.Context, queue string, status domain.JobStatus, before time.Time, keepCount int) (int, error)
}

// EnqueueOptions tune a single enqueue; zero values inherit the queue's
// configuration.
type EnqueueOptions struct {
	Delay       time.Duration
	Priority    int
	MaxAttempts int
}

// Scheduler owns enqueueing and the pause/drain control plane for all
// configured queues. Pause state is in-memory; restart resumes everything.
type Scheduler struct {
	store   JobStore
	configs map[string]domain.QueueConfig
	logger  *log.Logger

	mu     sync.Mutex
	paused map[string]bool
}

func NewScheduler(store JobStore, configs map[string]domain.QueueConfig, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:   store,
		configs: configs,
		logger:  logger,
		paused:  make(map[string]bool),
	}
}

func (s *Scheduler) Config(queue string) (domain.QueueConfig, bool) {
	cfg, ok := s.configs[queue]
	return cfg, ok
}

func (s *Scheduler) Queues() []string {
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	return names
}

// Enqueue creates one waiting job. Retry policy fields are stamped onto the
// job at enqueue time from the queue's configuration so later config changes
// never rewrite in-flight work.
func (s *Scheduler) Enqueue(ctx context.Context, queue, name string, payload domain.JobPayload, opts EnqueueOptions) (domain.Job, error) {
	cfg, ok := s.configs[queue]
	if !ok {
		return domain.Job{}, fmt.Errorf("unknown queue %q", queue)
	}
	if payload.CorrelationID == "" {
		payload.CorrelationID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode job payload: %w", err)
	}

	maxAttempts := cfg.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	now := time.Now().UTC()
	job := domain.Job{
		ID:            uuid.NewString(),
		Queue:         queue,
		Name:          name,
		ProjectID:     payload.ProjectID,
		Stage:         payload.Stage,
		PageID:        payload.PageID,
		Payload:       body,
		CorrelationID: payload.CorrelationID,
		Status:        domain.JobStatusWaiting,
		Priority:      opts.Priority,
		MaxAttempts:   maxAttempts,
		BackoffKind:   cfg.BackoffKind,
		BackoffBase:   cfg.BackoffBase,
		RunAt:         now.Add(opts.Delay),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// EnqueueBulk enqueues one job per payload, staggering run times so a burst
// of sibling jobs does not slam the rate limit all at once.
func (s *Scheduler) EnqueueBulk(ctx context.Context, queue, name string, payloads []domain.JobPayload, stagger time.Duration) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(payloads))
	for i, payload := range payloads {
		job, err := s.Enqueue(ctx, queue, name, payload, EnqueueOptions{
			Delay: time.Duration(i) * stagger,
		})
		if err != nil {
			return jobs, fmt.Errorf("enqueue bulk item %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Pause stops dispatch for a queue. Active jobs finish; waiting jobs stay
// put until Resume.
func (s *Scheduler) Pause(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[queue] = true
	s.logger.Printf("queue %s paused", queue)
}

func (s *Scheduler) Resume(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, queue)
	s.logger.Printf("queue %s resumed", queue)
}

func (s *Scheduler) IsPaused(queue string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[queue]
}

// Drain discards every waiting job in the queue. Active jobs are untouched.
func (s *Scheduler) Drain(ctx context.Context, queue string) (int, error) {
	removed, err := s.store.DeleteWaitingJobs(ctx, queue)
	if err != nil {
		return 0, err
	}
	s.logger.Printf("queue %s drained, %d waiting jobs removed", queue, removed)
	return removed, nil
}

// Health reports queue depth and the failure-ratio verdict: a queue is
// unhealthy once failures reach 10% of completions.
func (s *Scheduler) Health(ctx context.Context, queue string) (domain.QueueHealth, error) {
	health, err := s.store.CountQueueJobs(ctx, queue, time.Now().UTC())
	if err != nil {
		return domain.QueueHealth{}, err
	}
	health.Paused = s.IsPaused(queue)
	health.Healthy = isHealthy(health.Completed, health.Failed)
	return health, nil
}

func isHealthy(completed, failed int) bool {
	if failed == 0 {
		return true
	}
	if completed == 0 {
		return false
	}
	return float64(failed)/float64(completed) < 0.10
}
