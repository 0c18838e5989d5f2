// Package jobs runs project builds and exports on a bounded worker pool and
// keeps their history on disk.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"geoslice/internal/logging"
	"geoslice/internal/progress"
)

var (
	// ErrNotFound is returned for an unknown job ID
	ErrNotFound = errors.New("job not found")
	// ErrFinished is returned when cancelling a job that already ended
	ErrFinished = errors.New("job already finished")

	errInterrupted = errors.New("interrupted before completion")
)

// Func runs a job and returns the path of what it produced, if anything.
// Progress published through the context is recorded on the job.
type Func func(ctx context.Context) (string, error)

// Queue runs jobs with at most workers of them at once
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
	errs    map[string]error

	dir      string
	sem      *semaphore.Weighted
	log      *slog.Logger
	onUpdate func(Job)
	wg       sync.WaitGroup
}

// NewQueue creates a queue persisting jobs under dir. Jobs left unfinished
// by a previous process are marked failed.
func NewQueue(dir string, workers int, log *slog.Logger) (*Queue, error) {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logging.Discard()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	q := &Queue{
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		done:    make(map[string]chan struct{}),
		errs:    make(map[string]error),
		dir:     dir,
		sem:     semaphore.NewWeighted(int64(workers)),
		log:     logging.Component(log, "jobs"),
	}
	q.loadState()
	return q, nil
}

// OnUpdate registers a callback receiving a copy of a job after every change
func (q *Queue) OnUpdate(fn func(Job)) {
	q.mu.Lock()
	q.onUpdate = fn
	q.mu.Unlock()
}

func (q *Queue) loadState() {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		j, err := LoadFromFile(filepath.Join(q.dir, entry.Name()))
		if err != nil {
			q.log.Warn("failed to load job", "file", entry.Name(), "error", err)
			continue
		}
		if !j.Finished() {
			j.MarkFailed(errInterrupted)
			if err := j.SaveToFile(q.dir); err != nil {
				q.log.Warn("failed to save job", "job", j.ID, "error", err)
			}
		}
		q.jobs[j.ID] = j
		q.order = append(q.order, j.ID)
	}
	sort.SliceStable(q.order, func(a, b int) bool {
		return q.jobs[q.order[a]].CreatedAt < q.jobs[q.order[b]].CreatedAt
	})
	q.log.Debug("loaded jobs", "count", len(q.jobs))
}

// Submit queues fn as a new job and returns immediately. The job's context
// derives from ctx and is cancelled by Cancel.
func (q *Queue) Submit(ctx context.Context, kind Kind, projectID, name string, fn Func) Job {
	j := newJob(kind, projectID, name)
	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	q.mu.Lock()
	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)
	q.cancels[j.ID] = cancel
	q.done[j.ID] = done
	q.save(j)
	snapshot := *j
	q.mu.Unlock()

	q.log.Info("job queued", "job", j.ID, "kind", kind, "name", name)
	q.notify(snapshot)

	q.wg.Add(1)
	go q.run(jctx, cancel, j, fn, done)
	return snapshot
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, j *Job, fn Func, done chan struct{}) {
	defer q.wg.Done()
	defer close(done)
	defer cancel()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.finish(j, "", err, true)
		return
	}
	defer q.sem.Release(1)
	if err := ctx.Err(); err != nil {
		q.finish(j, "", err, true)
		return
	}

	q.update(j, true, func(j *Job) { j.MarkStarted() })
	q.log.Info("job started", "job", j.ID, "kind", j.Kind)

	parent := progress.FromContext(ctx, nil)
	pub := progress.Func(func(e progress.Event) {
		q.update(j, false, func(j *Job) { j.UpdateProgress(e) })
		parent.Publish(e)
	})

	out, err := fn(progress.WithPublisher(ctx, pub))
	q.finish(j, out, err, ctx.Err() != nil)
}

func (q *Queue) finish(j *Job, out string, err error, cancelled bool) {
	q.update(j, true, func(j *Job) {
		switch {
		case err == nil:
			j.MarkCompleted(out)
		case cancelled:
			j.MarkCancelled()
		default:
			j.MarkFailed(err)
		}
		q.errs[j.ID] = err
		delete(q.cancels, j.ID)
	})

	switch {
	case err == nil:
		q.log.Info("job completed", "job", j.ID, "output", out)
	case cancelled:
		q.log.Info("job cancelled", "job", j.ID)
	default:
		q.log.Error("job failed", "job", j.ID, "error", err)
	}
}

// update applies fn under the lock, persisting the job when persist is set
// or the stage changed
func (q *Queue) update(j *Job, persist bool, fn func(*Job)) {
	q.mu.Lock()
	stage := j.Stage
	fn(j)
	if persist || j.Stage != stage {
		q.save(j)
	}
	snapshot := *j
	q.mu.Unlock()
	q.notify(snapshot)
}

// save must be called with q.mu held
func (q *Queue) save(j *Job) {
	if err := j.SaveToFile(q.dir); err != nil {
		q.log.Warn("failed to save job", "job", j.ID, "error", err)
	}
}

func (q *Queue) notify(j Job) {
	q.mu.Lock()
	fn := q.onUpdate
	q.mu.Unlock()
	if fn != nil {
		fn(j)
	}
}

// Get returns a copy of a job
func (q *Queue) Get(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *j, nil
}

// List returns copies of all jobs, oldest first
func (q *Queue) List() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.jobs[id])
	}
	return out
}

// Cancel cancels a pending or running job
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cancel, ok := q.cancels[id]
	if j.Finished() || !ok {
		return fmt.Errorf("%w: %s is %s", ErrFinished, id, j.Status)
	}
	cancel()
	return nil
}

// CancelAll cancels every unfinished job
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cancel := range q.cancels {
		cancel()
	}
}

// Wait blocks until the job ends and returns it with the error it ended on.
// The error is ctx's if ctx is done first.
func (q *Queue) Wait(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	done := q.done[id]
	if done == nil {
		// loaded from disk
		snapshot := *j
		q.mu.Unlock()
		if snapshot.Error != "" {
			return snapshot, errors.New(snapshot.Error)
		}
		return snapshot, nil
	}
	q.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return *j, q.errs[id]
}

// ClearFinished forgets finished jobs and removes their files. It returns
// how many were removed.
func (q *Queue) ClearFinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		j := q.jobs[id]
		if !j.Finished() {
			kept = append(kept, id)
			continue
		}
		if err := j.DeleteFile(q.dir); err != nil && !os.IsNotExist(err) {
			q.log.Warn("failed to delete job file", "job", id, "error", err)
		}
		delete(q.jobs, id)
		delete(q.done, id)
		delete(q.errs, id)
		removed++
	}
	q.order = kept
	return removed
}

// Close cancels unfinished jobs and waits for their workers to return
func (q *Queue) Close() {
	q.CancelAll()
	q.wg.Wait()
}
