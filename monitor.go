package jobsync

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/you/jobsync/feed"
)

// Monitor scans the job store for jobs stuck in the processing status past
// a deadline, relabels them, and publishes the relabeled update through the
// feed so subscribers observe the change.
type Monitor struct {
	cfg     Config
	store   feed.Store
	logger  Logger
	metrics Metrics

	now func() time.Time
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config, store feed.Store, logger Logger, metrics Metrics) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Run polls the store until ctx is cancelled. Store errors back off
// exponentially and are never fatal.
func (m *Monitor) Run(ctx context.Context) error {
	retries := 0
	for {
		wait := jitter(m.cfg.MonitorPoll, m.cfg.JitterRatio)
		if retries > 0 {
			wait = m.cfg.StoreErrorBackoff.Next(retries)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err := m.tick(ctx); err != nil {
			retries++
			m.logger.Warn("monitor tick failed",
				Field{Key: "err", Value: err},
				Field{Key: "retries", Value: retries})
			continue
		}
		retries = 0
	}
}

func (m *Monitor) tick(ctx context.Context) error {
	jobs, err := m.store.ListJobsByStatus(ctx, m.cfg.ProcessingStatus)
	if err != nil {
		return fmt.Errorf("list %s jobs: %w", m.cfg.ProcessingStatus, err)
	}
	now := m.now()
	relabeled := 0
	for _, job := range jobs {
		if relabeled >= m.cfg.MaxRelabelPerTick {
			break
		}
		if now.Sub(job.UpdatedAt) < m.cfg.StuckAfter {
			continue
		}
		ok, err := m.store.RelabelJob(ctx, job.ID, m.cfg.ProcessingStatus, m.cfg.StuckStatus, now)
		if err != nil {
			m.logger.Warn("relabel job failed", Field{Key: "job", Value: job.ID}, Field{Key: "err", Value: err})
			continue
		}
		if !ok {
			// Status moved underneath us; someone else handled it.
			continue
		}
		relabeled++
		m.metrics.IncCounter("monitor_jobs_relabeled", 1)
		m.logger.Info("job relabeled as stuck",
			Field{Key: "job", Value: job.ID},
			Field{Key: "idle", Value: now.Sub(job.UpdatedAt)})
		update := feed.Update{
			JobID:     job.ID,
			Status:    m.cfg.StuckStatus,
			Payload:   job.Payload,
			UpdatedAt: now,
		}
		if err := m.store.Publish(ctx, update); err != nil {
			m.logger.Warn("publish relabel update failed", Field{Key: "job", Value: job.ID}, Field{Key: "err", Value: err})
		}
	}
	m.metrics.SetGauge("monitor_processing_jobs", float64(len(jobs)))
	return nil
}

func jitter(base time.Duration, ratio float64) time.Duration {
	if ratio <= 0 {
		return base
	}
	delta := int64(float64(base) * ratio)
	if delta == 0 {
		return base
	}
	// add or subtract up to delta.
	offset := rand.Int63n(2*delta+1) - delta
	return time.Duration(int64(base) + offset)
}
