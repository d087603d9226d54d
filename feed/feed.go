package feed

import (
	"context"
	"time"
)

// Update is a single job state change pushed to subscribers.
type Update struct {
	JobID     string            `json:"jobId"`
	Status    string            `json:"status"`
	Payload   map[string]string `json:"payload,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Job is the stored document for a background job.
type Job struct {
	ID        string
	Status    string
	Payload   map[string]string
	UpdatedAt time.Time
}

// Detach tears down a listener created by Source.Attach.
type Detach func()

// Source provides real-time job updates.
//
// Attach registers onUpdate for every subsequent update of jobID and returns
// a Detach that stops delivery. Implementations must not invoke onUpdate
// synchronously from within Attach.
type Source interface {
	Attach(ctx context.Context, jobID string, onUpdate func(Update)) (Detach, error)
}

// Store defines the job document backend behavior.
type Store interface {
	GetJob(ctx context.Context, jobID string) (Job, bool, error)
	PutJob(ctx context.Context, job Job) error
	ListJobsByStatus(ctx context.Context, status string) ([]Job, error)

	// RelabelJob moves a job from one status to another only if it still
	// carries the expected current status. Returns false without error when
	// the job is missing or its status changed underneath.
	RelabelJob(ctx context.Context, jobID, from, to string, at time.Time) (bool, error)

	// Publish pushes an update to every listener attached to the job.
	Publish(ctx context.Context, update Update) error
}
