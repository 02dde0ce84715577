// Package queue provides build job queue interfaces and implementations.
package queue

import (
	"context"
	"errors"

	"github.com/narvanalabs/appfactory/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are available in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")
)

// Queue defines the interface for build job queue operations.
//
// Job IDs equal build IDs. Enqueueing an ID that is already queued replaces
// the payload, so a build is never queued twice. An in-flight job is left to
// its runner by the memory queue; the postgres queue makes it available again,
// since a crashed worker leaves its rows in flight. Callers only re-enqueue
// builds whose pipeline stopped heartbeating.
type Queue interface {
	// Enqueue adds a build job to the queue.
	Enqueue(ctx context.Context, job *models.BuildJob) error

	// Dequeue retrieves and locks the next available build job from the queue.
	// Returns ErrNoJobs if no jobs are available.
	Dequeue(ctx context.Context) (*models.BuildJob, error)

	// Ack acknowledges successful processing of a job, removing it from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack indicates that job processing failed, making the job available for retry.
	Nack(ctx context.Context, jobID string) error
}
