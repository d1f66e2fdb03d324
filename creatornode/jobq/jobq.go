// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package jobq implements the durable asynchronous job queue shared by file
// processing and sync work, with per-job status records visible to status
// probes.
package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"audius.co/creatornode/internal/sync2"
	"audius.co/creatornode/storage"
)

var (
	// Error is the default jobq error class.
	Error = errs.Class("jobq")
	// ErrJobNotFound is returned when no status record exists for a request id.
	ErrJobNotFound = errs.Class("job not found")

	mon = monkit.Package()
)

// Terminal and non-terminal job states, as reported by the status probe.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

const (
	// statusTTL keeps terminal status records around for pollers after the
	// job left the queue.
	statusTTL = 24 * time.Hour

	defaultPollInterval = 500 * time.Millisecond
)

// Job is one queued unit of work.
type Job struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Params     json.RawMessage `json:"params"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// JobStatus is the per-job status record kept in the coordination store.
type JobStatus struct {
	Status string          `json:"status"`
	Resp   json.RawMessage `json:"resp,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler processes one job's params and returns a result recorded in the
// status record. Returned errors and panics mark the job FAILED; the queue
// does not retry.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

type worker struct {
	handler     Handler
	concurrency int
}

// Queue is the shared asynchronous job queue.
type Queue struct {
	log   *zap.Logger
	store storage.KeyValueStore
	queue storage.Queue

	pollInterval time.Duration

	workers map[string]worker
}

// New creates a job queue on top of the coordination store.
func New(log *zap.Logger, store storage.KeyValueStore, queue storage.Queue) *Queue {
	return &Queue{
		log:          log,
		store:        store,
		queue:        queue,
		pollInterval: defaultPollInterval,
		workers:      map[string]worker{},
	}
}

// Enqueue durably enqueues params under the task type and returns the job id
// immediately. The status record starts at IN_PROGRESS.
func (q *Queue) Enqueue(ctx context.Context, task string, params interface{}) (jobID string, err error) {
	defer mon.Task()(&ctx)(&err)

	encodedParams, err := json.Marshal(params)
	if err != nil {
		return "", Error.Wrap(err)
	}

	job := Job{
		ID:         uuid.NewString(),
		Task:       task,
		Params:     encodedParams,
		EnqueuedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", Error.Wrap(err)
	}

	if err := q.setStatus(ctx, task, job.ID, JobStatus{Status: StatusInProgress}); err != nil {
		return "", err
	}
	if err := q.queue.Enqueue(ctx, task, encoded); err != nil {
		return "", Error.Wrap(err)
	}

	mon.Event("job_enqueued")
	return job.ID, nil
}

// Status returns the status record for (task, requestID), or ErrJobNotFound
// once the record's TTL lapsed.
func (q *Queue) Status(ctx context.Context, task, requestID string) (_ *JobStatus, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := q.store.Get(ctx, statusKey(task, requestID))
	if storage.ErrKeyNotFound.Has(err) {
		return nil, ErrJobNotFound.New("%s:::%s", task, requestID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var status JobStatus
	if err := json.Unmarshal(value, &status); err != nil {
		return nil, Error.Wrap(err)
	}
	return &status, nil
}

// Process registers a handler for a task type. Up to concurrency handlers
// run at once. Must be called before Run.
func (q *Queue) Process(task string, concurrency int, handler Handler) {
	q.workers[task] = worker{handler: handler, concurrency: concurrency}
}

// Run consumes jobs for all registered task types until the context is
// canceled.
func (q *Queue) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for task, w := range q.workers {
		task, w := task, w
		group.Go(func() error {
			return q.consume(ctx, task, w)
		})
	}
	return group.Wait()
}

func (q *Queue) consume(ctx context.Context, task string, w worker) error {
	limiter := sync2.NewLimiter(w.concurrency)
	defer limiter.Wait()

	for {
		value, err := q.queue.Dequeue(ctx, task)
		if storage.ErrEmptyQueue.Has(err) {
			if err := sleep(ctx, q.pollInterval); err != nil {
				return nil
			}
			continue
		}
		if err != nil {
			q.log.Error("dequeue failed", zap.String("task", task), zap.Error(err))
			if err := sleep(ctx, q.pollInterval); err != nil {
				return nil
			}
			continue
		}

		var job Job
		if err := json.Unmarshal(value, &job); err != nil {
			q.log.Error("dropping malformed job", zap.String("task", task), zap.Error(err))
			continue
		}

		limiter.Go(ctx, func() {
			q.runJob(ctx, w.handler, job)
		})

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (q *Queue) runJob(ctx context.Context, handler Handler, job Job) {
	log := q.log.With(zap.String("task", job.Task), zap.String("job_id", job.ID))

	result, err := q.invoke(ctx, handler, job)
	if err != nil {
		log.Warn("job failed", zap.Error(err))
		mon.Event("job_failed")
		q.recordStatus(job.Task, job.ID, JobStatus{Status: StatusFailed, Error: err.Error()})
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		log.Warn("job result not serializable", zap.Error(err))
		q.recordStatus(job.Task, job.ID, JobStatus{Status: StatusFailed, Error: err.Error()})
		return
	}

	mon.Event("job_done")
	q.recordStatus(job.Task, job.ID, JobStatus{Status: StatusDone, Resp: encoded})
}

// invoke runs the handler, converting panics into errors so a bad job
// cannot crash the worker.
func (q *Queue) invoke(ctx context.Context, handler Handler, job Job) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Error.New("handler panic: %v", rec)
		}
	}()
	return handler(ctx, job.Params)
}

func (q *Queue) recordStatus(task, jobID string, status JobStatus) {
	// terminal statuses are recorded with a background context so that a
	// canceled job still leaves a record for pollers.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.setStatus(ctx, task, jobID, status); err != nil {
		q.log.Error("failed to record job status",
			zap.String("task", task), zap.String("job_id", jobID), zap.Error(err))
	}
}

func (q *Queue) setStatus(ctx context.Context, task, jobID string, status JobStatus) error {
	encoded, err := json.Marshal(status)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(q.store.Put(ctx, statusKey(task, jobID), encoded, statusTTL))
}

func statusKey(task, requestID string) storage.Key {
	return storage.Key(fmt.Sprintf("%s:::%s", task, requestID))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
