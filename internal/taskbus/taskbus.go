// Package taskbus is the in-memory pipeline backbone: three bounded
// FIFO queues connecting the generate/poll/download stages, a
// process-wide active-job dedup set, and a pause/resume flag. It is the
// generalization of the teacher's single download queue
// (internal/downloader.Manager's activeSlots/jobs pair) to three
// cooperating stages.
package taskbus

import (
	"context"
	"sync"
	"time"

	"videopipe/internal/constants"
	"videopipe/internal/job"
)

// Config sizes the three queues. Zero values fall back to constants.
type Config struct {
	GenerateCapacity int
	PollCapacity     int
	DownloadCapacity int
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	Paused           bool
	GenerateQueueLen int
	PollQueueLen     int
	DownloadQueueLen int
	ActiveCount      int
	ActiveIDs        []int64
}

// TaskBus owns the three stage queues and the active-job set.
type TaskBus struct {
	generate chan job.Context
	poll     chan job.Context
	download chan job.Context

	mu     sync.Mutex
	active map[int64]struct{}
	paused bool
}

// New constructs a TaskBus with the given queue capacities.
func New(cfg Config) *TaskBus {
	if cfg.GenerateCapacity <= 0 {
		cfg.GenerateCapacity = constants.GenerateQueueCapacity
	}
	if cfg.PollCapacity <= 0 {
		cfg.PollCapacity = constants.PollQueueCapacity
	}
	if cfg.DownloadCapacity <= 0 {
		cfg.DownloadCapacity = constants.DownloadQueueCapacity
	}
	return &TaskBus{
		generate: make(chan job.Context, cfg.GenerateCapacity),
		poll:     make(chan job.Context, cfg.PollCapacity),
		download: make(chan job.Context, cfg.DownloadCapacity),
		active:   make(map[int64]struct{}),
	}
}

// StartJob is the idempotent pipeline entry point: a job already present
// in the active set is a no-op (duplicate start request), otherwise the
// job is marked active and a generate task is enqueued. Returns false if
// the job was already active or the generate queue was full.
func (b *TaskBus) StartJob(j *job.Job) bool {
	b.mu.Lock()
	if _, exists := b.active[j.ID]; exists {
		b.mu.Unlock()
		return false
	}
	b.active[j.ID] = struct{}{}
	b.mu.Unlock()

	select {
	case b.generate <- job.Context{JobID: j.ID, TaskType: job.TaskGenerate}:
		return true
	default:
		b.mu.Lock()
		delete(b.active, j.ID)
		b.mu.Unlock()
		return false
	}
}

// EnqueuePoll hands a task from the generate stage to the poll stage.
// It does not touch the active set; the generate stage calls Done for the
// job once the hand-off has succeeded.
func (b *TaskBus) EnqueuePoll(tc job.Context) bool {
	tc.TaskType = job.TaskPoll
	select {
	case b.poll <- tc:
		return true
	default:
		return false
	}
}

// EnqueueDownload hands a task from the poll stage to the download stage.
func (b *TaskBus) EnqueueDownload(tc job.Context) bool {
	tc.TaskType = job.TaskDownload
	select {
	case b.download <- tc:
		return true
	default:
		return false
	}
}

// Requeue puts a task back at the tail of its own queue, used by a
// worker's own retry/backoff loop (no-account retry, transient retry,
// poll-still-pending re-enqueue). Does not block: returns false at once
// if the queue is full. Callers sleep their backoff duration before
// calling it.
func (b *TaskBus) Requeue(tc job.Context) bool {
	var target chan job.Context
	switch tc.TaskType {
	case job.TaskGenerate:
		target = b.generate
	case job.TaskPoll:
		target = b.poll
	case job.TaskDownload:
		target = b.download
	default:
		return false
	}
	select {
	case target <- tc:
		return true
	default:
		return false
	}
}

// Done removes a job from the active set once it reaches a terminal
// path (success or give-up) in any stage.
func (b *TaskBus) Done(jobID int64) {
	b.mu.Lock()
	delete(b.active, jobID)
	b.mu.Unlock()
}

// IsActive reports whether a job is currently owned by some stage.
func (b *TaskBus) IsActive(jobID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[jobID]
	return ok
}

// Pause blocks new dequeues; in-flight tasks already pulled off a queue
// run to completion.
func (b *TaskBus) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume clears the pause flag.
func (b *TaskBus) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
}

func (b *TaskBus) isPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// queueReadTimeout bounds how long a worker blocks on an empty queue
// before re-checking the pause flag and shutdown signal.
const queueReadTimeout = 5 * time.Second

// DequeueGenerate blocks for a generate task, honoring pause and ctx
// cancellation. Returns ok=false on shutdown.
func (b *TaskBus) DequeueGenerate(ctx context.Context) (job.Context, bool) {
	return dequeue(ctx, b, b.generate)
}

// DequeuePoll blocks for a poll task, honoring pause and ctx cancellation.
func (b *TaskBus) DequeuePoll(ctx context.Context) (job.Context, bool) {
	return dequeue(ctx, b, b.poll)
}

// DequeueDownload blocks for a download task, honoring pause and ctx
// cancellation.
func (b *TaskBus) DequeueDownload(ctx context.Context) (job.Context, bool) {
	return dequeue(ctx, b, b.download)
}

func dequeue(ctx context.Context, b *TaskBus, queue chan job.Context) (job.Context, bool) {
	for {
		if ctx.Err() != nil {
			return job.Context{}, false
		}
		if b.isPaused() {
			select {
			case <-ctx.Done():
				return job.Context{}, false
			case <-time.After(queueReadTimeout):
				continue
			}
		}

		select {
		case tc := <-queue:
			return tc, true
		case <-ctx.Done():
			return job.Context{}, false
		case <-time.After(queueReadTimeout):
			continue
		}
	}
}

// GetStatus snapshots queue depths, the active set and the pause flag.
func (b *TaskBus) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]int64, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}

	return Status{
		Paused:           b.paused,
		GenerateQueueLen: len(b.generate),
		PollQueueLen:     len(b.poll),
		DownloadQueueLen: len(b.download),
		ActiveCount:      len(b.active),
		ActiveIDs:        ids,
	}
}

// Reset clears the active set, used by the administrative reset op.
func (b *TaskBus) Reset() {
	b.mu.Lock()
	b.active = make(map[int64]struct{})
	b.mu.Unlock()
}
