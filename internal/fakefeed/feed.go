package fakefeed

import (
	"context"
	"sync"
	"time"

	"github.com/you/jobsync/feed"
)

// Feed is an in-memory implementation of feed.Source and feed.Store for
// tests. Publish dispatches synchronously on the calling goroutine.
type Feed struct {
	mu       sync.Mutex
	now      time.Time
	jobs     map[string]feed.Job
	watchers map[string][]watcher
	nextID   uint64
	attaches map[string]int
	detaches map[string]int
}

type watcher struct {
	id uint64
	fn func(feed.Update)
}

// New returns a fresh in-memory feed.
func New() *Feed {
	return &Feed{
		now:      time.Now(),
		jobs:     map[string]feed.Job{},
		watchers: map[string][]watcher{},
		attaches: map[string]int{},
		detaches: map[string]int{},
	}
}

// Advance moves the internal clock forward (useful for deterministic tests).
func (f *Feed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Now returns the internal clock; inject it into components under test.
func (f *Feed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Feed) Attach(_ context.Context, jobID string, onUpdate func(feed.Update)) (feed.Detach, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.watchers[jobID] = append(f.watchers[jobID], watcher{id: id, fn: onUpdate})
	f.attaches[jobID]++
	return func() { f.detach(jobID, id) }, nil
}

func (f *Feed) detach(jobID string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.watchers[jobID][:0]
	for _, w := range f.watchers[jobID] {
		if w.id != id {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(f.watchers, jobID)
	} else {
		f.watchers[jobID] = kept
	}
	f.detaches[jobID]++
}

func (f *Feed) GetJob(_ context.Context, jobID string) (feed.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	return job, ok, nil
}

func (f *Feed) PutJob(_ context.Context, job feed.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = f.now
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *Feed) ListJobsByStatus(_ context.Context, status string) ([]feed.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []feed.Job
	for _, job := range f.jobs {
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (f *Feed) RelabelJob(_ context.Context, jobID, from, to string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = to
	job.UpdatedAt = at
	f.jobs[jobID] = job
	return true, nil
}

func (f *Feed) Publish(_ context.Context, update feed.Update) error {
	f.mu.Lock()
	watchers := append([]watcher(nil), f.watchers[update.JobID]...)
	f.mu.Unlock()
	for _, w := range watchers {
		w.fn(update)
	}
	return nil
}

// Attaches reports how many listeners were ever attached for jobID.
func (f *Feed) Attaches(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches[jobID]
}

// Detaches reports how many listeners were torn down for jobID.
func (f *Feed) Detaches(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detaches[jobID]
}

// ActiveWatchers reports how many listeners are currently attached for jobID.
func (f *Feed) ActiveWatchers(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers[jobID])
}
