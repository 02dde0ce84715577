// Package memory provides an in-process implementation of the build queue.
package memory

import (
	"context"
	"sync"

	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/queue"
)

// Queue implements queue.Queue in memory. Jobs are lost when the process exits.
type Queue struct {
	mu         sync.Mutex
	pending    []*models.BuildJob
	processing map[string]*models.BuildJob
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{processing: make(map[string]*models.BuildJob)}
}

// Enqueue adds a job, replacing any queued job with the same ID. A job that
// is in flight keeps running; its payload is replaced so a Nack redelivers
// the new one.
func (q *Queue) Enqueue(ctx context.Context, job *models.BuildJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := *job
	if _, ok := q.processing[j.ID]; ok {
		q.processing[j.ID] = &j
		return nil
	}
	for i, p := range q.pending {
		if p.ID == j.ID {
			q.pending[i] = &j
			return nil
		}
	}
	q.pending = append(q.pending, &j)
	return nil
}

// Dequeue returns the oldest pending job or queue.ErrNoJobs.
func (q *Queue) Dequeue(ctx context.Context) (*models.BuildJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, queue.ErrNoJobs
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.processing[job.ID] = job

	out := *job
	return &out, nil
}

// Ack removes an in-flight job.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[jobID]; !ok {
		return queue.ErrJobNotFound
	}
	delete(q.processing, jobID)
	return nil
}

// Nack returns an in-flight job to the back of the queue.
func (q *Queue) Nack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.processing[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	delete(q.processing, jobID)
	q.pending = append(q.pending, job)
	return nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
