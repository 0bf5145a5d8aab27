// Package interfaces defines contracts consumed by the pipeline core.
// Following Go's interface segregation principle, interfaces are defined
// where they are consumed (workers, supervisor), not where they are
// implemented (store, remote).
package interfaces

import (
	"context"
	"time"

	"videopipe/internal/account"
	"videopipe/internal/job"
)

// Remote is the opaque third-party video-generation API.
type Remote interface {
	Submit(ctx context.Context, sess account.Session, spec job.Spec) (taskID string, err error)
	ListPending(ctx context.Context, sess account.Session) ([]PendingEntry, error)
	WaitForCompletion(ctx context.Context, sess account.Session, taskID string, timeout time.Duration) (CompletionResult, error)
	GetCredits(ctx context.Context, sess account.Session) (int, error)
}

// PendingEntry is one row of the remote list_pending response.
type PendingEntry struct {
	ID               string
	Prompt           string
	ProgressFraction float64
}

// CompletionStatus is the remote's reported terminal state for a task.
type CompletionStatus string

const (
	CompletionPending CompletionStatus = "pending"
	CompletionSuccess CompletionStatus = "success"
	CompletionFailed  CompletionStatus = "failed"
)

// CompletionResult is the remote wait_for_completion response.
type CompletionResult struct {
	Status       CompletionStatus
	DownloadURL  string
	ID           string
	GenerationID string
	Error        string
}

// PostProcessor performs best-effort watermark removal. A failure is
// swallowed by the caller; the original URL remains in use.
type PostProcessor interface {
	RemoveWatermark(ctx context.Context, videoID string, accountID int64) (cleanURL string, err error)
}

// JobRepository is the durable persistence surface for jobs.
type JobRepository interface {
	Create(ctx context.Context, j *job.Job) error
	GetByID(ctx context.Context, id int64) (*job.Job, error)
	Update(ctx context.Context, j *job.Job) error
	UpdateStatus(ctx context.Context, id int64, status job.Status, errMsg string) error
	UpdateProgress(ctx context.Context, id int64, percent int) error
	List(ctx context.Context, skip, limit int, status job.Status) ([]*job.Job, error)
	ListPending(ctx context.Context) ([]*job.Job, error)
	ListActive(ctx context.Context) ([]*job.Job, error)
	ListStale(ctx context.Context, cutoff time.Duration) ([]*job.Job, error)
	ListCompleted(ctx context.Context) ([]*job.Job, error)
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
	FindByVideoID(ctx context.Context, videoID string) (*job.Job, error)
	Delete(ctx context.Context, id int64) error
	BulkDelete(ctx context.Context, ids []int64) error
	BulkUpdateStatus(ctx context.Context, ids []int64, status job.Status) error
}

// AccountRepository is the durable persistence surface for accounts.
type AccountRepository interface {
	Create(ctx context.Context, a *account.Account) error
	GetByID(ctx context.Context, id int64) (*account.Account, error)
	Update(ctx context.Context, a *account.Account) error
	ListEligible(ctx context.Context, platform string, excludeIDs []int64) ([]*account.Account, error)
	ListAll(ctx context.Context) ([]*account.Account, error)
	ForceReleaseAll(ctx context.Context) error
}
