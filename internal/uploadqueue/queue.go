// Package uploadqueue implements the object-upload FIFO queue and bounded
// worker from spec.md section 4.3: every received file is enqueued once
// and retried with backoff until it's durably in object storage or its
// retry budget is exhausted. Grounded on perkeep/internal/chanworker's
// pump-goroutine shape, generalized via pkg/workerpool, with the FIFO
// ordering guarantee a buffered channel provides for free.
package uploadqueue

import (
	"context"
	"fmt"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// Job is one file awaiting upload.
type Job struct {
	Metadata *model.FileStorageMetadata
	// LocalPath is where the received bytes currently sit (disk or
	// memory-backed temp store), the source Put reads from.
	LocalPath string
}

// Queue is a bounded FIFO of upload jobs. Enqueue blocks when full, which
// holds up the enqueueing ingestor until the worker frees a slot (spec.md
// section 5's back-pressure); a full queue does not cause the SCP to reject
// associations.
type Queue struct {
	ch chan Job
}

// NewQueue returns a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Job, capacity)}
}

// Enqueue blocks until there is room or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("uploadqueue: enqueue cancelled: %w", ctx.Err())
	}
}

// Dequeue blocks until a job is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.ch:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len reports the number of jobs currently queued.
func (q *Queue) Len() int { return len(q.ch) }
