// Package ingest runs the async ingestion queue: collectors enqueue
// standardized records as jobs, the worker replays them through the storage
// manager with retry and backoff.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/recallos/recall/internal/memstore"
	"github.com/recallos/recall/internal/storage"
)

// JobType is the queue type the worker claims.
const JobType = "ingest_item"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Ingester accepts one record; satisfied by memstore.Manager.
type Ingester interface {
	Ingest(ctx context.Context, rec *memstore.Record) (*memstore.Result, error)
}

// Worker processes ingest_item jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	manager Ingester
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, manager Ingester, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		manager: manager,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Enqueue queues one record for background ingestion and returns the job id.
func Enqueue(store JobStore, rec *memstore.Record) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueuing job: %w", err)
	}
	return job.ID, nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest_item job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var rec memstore.Record
	if err := json.Unmarshal([]byte(job.PayloadJSON), &rec); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	res, err := w.manager.Ingest(ctx, &rec)
	if err != nil {
		return err
	}
	if res.Status == memstore.StatusDuplicateSkipped {
		w.logger.Debug("duplicate record skipped", "job_id", job.ID, "item_id", res.ItemID)
	}
	return nil
}
