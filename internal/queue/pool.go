package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"sitepipe/internal/domain"
)

// Handler executes claimed jobs. HandleTerminalFailure fires exactly once
// when a job exhausts its attempt budget or hits a terminal error.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
	HandleTerminalFailure(ctx context.Context, job domain.Job, cause error)
}

// Pool runs a fixed number of workers against one queue. Workers poll the
// store; an idle queue costs one claim query per worker per poll interval.
type Pool struct {
	queue     string
	cfg       domain.QueueConfig
	store     JobStore
	scheduler *Scheduler
	handler   Handler
	limiter   *rateLimiter
	logger    *log.Logger
	wg        sync.WaitGroup
}

func NewPool(cfg domain.QueueConfig, store JobStore, scheduler *Scheduler, handler Handler, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		queue:     cfg.Name,
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		handler:   handler,
		limiter:   newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		logger:    logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.scheduler.IsPaused(p.queue) {
			continue
		}

		now := time.Now().UTC()
		if !p.limiter.Allow(now) {
			continue
		}
		job, claimed, err := p.store.ClaimNextJob(ctx, p.queue, now, now.Add(p.cfg.JobTimeout+time.Minute))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("queue %s worker %d claim: %v", p.queue, worker, err)
			continue
		}
		if !claimed {
			continue
		}
		p.execute(ctx, job)
	}
}

func (p *Pool) execute(ctx context.Context, job domain.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err := p.handler.Handle(jobCtx, job)
	cancel()

	if err == nil {
		if cerr := p.store.CompleteJob(ctx, job.ID); cerr != nil {
			p.logger.Printf("queue %s complete job %s: %v", p.queue, job.ID, cerr)
		}
		return
	}

	// Attempt count was already incremented at claim time.
	terminal := domain.IsTerminalJobError(err) || job.AttemptsMade >= job.MaxAttempts
	if terminal {
		if ferr := p.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			p.logger.Printf("queue %s fail job %s: %v", p.queue, job.ID, ferr)
		}
		p.logger.Printf("queue %s job %s name=%s failed terminally after %d attempts: %v",
			p.queue, job.ID, job.Name, job.AttemptsMade, err)
		p.handler.HandleTerminalFailure(ctx, job, err)
		return
	}

	delay := retryDelay(job)
	if rerr := p.store.RetryJob(ctx, job.ID, err.Error(), time.Now().UTC().Add(delay)); rerr != nil {
		p.logger.Printf("queue %s retry job %s: %v", p.queue, job.ID, rerr)
		return
	}
	p.logger.Printf("queue %s job %s name=%s attempt %d/%d failed, retry in %s: %v",
		p.queue, job.ID, job.Name, job.AttemptsMade, job.MaxAttempts, delay, err)
}

// retryDelay computes the wait before the next attempt from the policy
// stamped on the job. Exponential doubles per prior attempt; fixed repeats
// the base.
func retryDelay(job domain.Job) time.Duration {
	base := job.BackoffBase
	if base <= 0 {
		base = 5 * time.Second
	}
	if job.BackoffKind == domain.BackoffFixed {
		return base
	}
	delay := base
	for i := 1; i < job.AttemptsMade; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

const maxRetryDelay = 30 * time.Minute
