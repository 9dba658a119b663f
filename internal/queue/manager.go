package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"sitepipe/internal/domain"
)

const (
	leaseSweepInterval     = 30 * time.Second
	retentionSweepInterval = 5 * time.Minute
)

// Manager owns one worker pool per configured queue plus the background
// janitors: lease recovery for crashed workers and retention purges for
// finished jobs.
type Manager struct {
	store     JobStore
	scheduler *Scheduler
	handler   Handler
	logger    *log.Logger
	pools     []*Pool
	wg        sync.WaitGroup
}

func NewManager(store JobStore, scheduler *Scheduler, handler Handler, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		store:     store,
		scheduler: scheduler,
		handler:   handler,
		logger:    logger,
	}
	for _, name := range scheduler.Queues() {
		cfg, _ := scheduler.Config(name)
		m.pools = append(m.pools, NewPool(cfg, store, scheduler, handler, logger))
	}
	return m
}

func (m *Manager) Start(ctx context.Context) {
	for _, pool := range m.pools {
		pool.Start(ctx)
	}
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.leaseLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.retentionLoop(ctx)
	}()
}

func (m *Manager) Wait() {
	for _, pool := range m.pools {
		pool.Wait()
	}
	m.wg.Wait()
}

// leaseLoop returns jobs whose worker died mid-execution to the waiting
// state so another worker can pick them up.
func (m *Manager) leaseLoop(ctx context.Context) {
	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requeued, err := m.store.RequeueExpiredLeases(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Printf("lease sweep: %v", err)
			continue
		}
		if requeued > 0 {
			m.logger.Printf("lease sweep requeued %d expired jobs", requeued)
		}
	}
}

// retentionLoop purges finished jobs past each queue's retention policy,
// both by age and by count.
func (m *Manager) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		for _, name := range m.scheduler.Queues() {
			cfg, ok := m.scheduler.Config(name)
			if !ok {
				continue
			}
			m.purge(ctx, name, domain.JobStatusCompleted, now.Add(-cfg.RetainCompletedFor), cfg.RetainCompletedCount)
			m.purge(ctx, name, domain.JobStatusFailed, now.Add(-cfg.RetainFailedFor), cfg.RetainFailedCount)
		}
	}
}

func (m *Manager) purge(ctx context.Context, queue string, status domain.JobStatus, before time.Time, keep int) {
	removed, err := m.store.PurgeJobs(ctx, queue, status, before, keep)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Printf("retention purge queue=%s status=%s: %v", queue, status, err)
		return
	}
	if removed > 0 {
		m.logger.Printf("retention purge queue=%s status=%s removed=%d", queue, status, removed)
	}
}
