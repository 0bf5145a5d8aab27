package workers

import (
	"context"
	"testing"
	"time"

	"videopipe/internal/account"
	"videopipe/internal/interfaces"
	"videopipe/internal/job"
	"videopipe/internal/store"
	"videopipe/internal/taskbus"
)

type fakePollRemote struct {
	result interfaces.CompletionResult
	err    error
}

func (f *fakePollRemote) Submit(ctx context.Context, sess account.Session, spec job.Spec) (string, error) {
	return "", nil
}
func (f *fakePollRemote) ListPending(ctx context.Context, sess account.Session) ([]interfaces.PendingEntry, error) {
	return []interfaces.PendingEntry{{ID: "remote-task-1", ProgressFraction: 0.5}}, nil
}
func (f *fakePollRemote) WaitForCompletion(ctx context.Context, sess account.Session, taskID string, timeout time.Duration) (interfaces.CompletionResult, error) {
	return f.result, f.err
}
func (f *fakePollRemote) GetCredits(ctx context.Context, sess account.Session) (int, error) {
	return 0, nil
}

func setupPollerTest(t *testing.T, remote interfaces.Remote) (*Poller, interfaces.JobRepository, interfaces.AccountRepository, *taskbus.TaskBus) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, t.TempDir(), "pipeline.db")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	jobs := store.NewJobStore(db)
	accounts := store.NewAccountStore(db)
	bus := taskbus.New(taskbus.Config{GenerateCapacity: 4, PollCapacity: 4, DownloadCapacity: 4})

	acct := &account.Account{Platform: "acme", Status: account.StatusLive, CreditsRemaining: 5}
	if err := accounts.Create(ctx, acct); err != nil {
		t.Fatalf("Create account error: %v", err)
	}

	p := NewPoller(jobs, accounts, remote, bus, 2)
	return p, jobs, accounts, bus
}

func TestPoller_Success_AdvancesToDownload(t *testing.T) {
	remote := &fakePollRemote{result: interfaces.CompletionResult{
		Status: interfaces.CompletionSuccess, DownloadURL: "https://cdn.example.com/v.mp4", ID: "vid-1", GenerationID: "gen-1",
	}}
	p, jobs, accounts, bus := setupPollerTest(t, remote)
	ctx := context.Background()

	accts, _ := accounts.ListEligible(ctx, "acme", nil)
	acct := accts[0]

	j := &job.Job{Platform: "acme", Progress: job.Progress{Status: job.StatusGenerating, MaxRetries: 5}}
	jobs.Create(ctx, j)

	tc := job.Context{JobID: j.ID, TaskType: job.TaskPoll, InputData: map[string]any{
		"task_id": "remote-task-1", "account_id": acct.ID,
	}}
	p.processTask(ctx, tc)

	got, _ := jobs.GetByID(ctx, j.ID)
	if got.Progress.Status != job.StatusDownload {
		t.Errorf("Status = %v, want download", got.Progress.Status)
	}
	if got.Result.VideoURL != "https://cdn.example.com/v.mp4" {
		t.Errorf("VideoURL = %q, want the completed download url", got.Result.VideoURL)
	}

	status := bus.GetStatus()
	if status.DownloadQueueLen != 1 {
		t.Errorf("DownloadQueueLen = %d, want 1", status.DownloadQueueLen)
	}
}

func TestPoller_Failed_MustNotEnqueueDownload(t *testing.T) {
	remote := &fakePollRemote{result: interfaces.CompletionResult{Status: interfaces.CompletionFailed, Error: "moderation_rejected"}}
	p, jobs, accounts, bus := setupPollerTest(t, remote)
	ctx := context.Background()

	accts, _ := accounts.ListEligible(ctx, "acme", nil)
	acct := accts[0]

	j := &job.Job{Platform: "acme", Progress: job.Progress{Status: job.StatusGenerating, MaxRetries: 5}}
	jobs.Create(ctx, j)

	tc := job.Context{JobID: j.ID, TaskType: job.TaskPoll, InputData: map[string]any{
		"task_id": "remote-task-1", "account_id": acct.ID,
	}}
	p.processTask(ctx, tc)

	got, _ := jobs.GetByID(ctx, j.ID)
	if got.Progress.Status != job.StatusFailed {
		t.Errorf("Status = %v, want failed", got.Progress.Status)
	}

	status := bus.GetStatus()
	if status.DownloadQueueLen != 0 {
		t.Error("expected no download task to be enqueued for a failed generation")
	}
}

func TestPoller_MissingTaskID_Fails(t *testing.T) {
	remote := &fakePollRemote{}
	p, jobs, _, _ := setupPollerTest(t, remote)
	ctx := context.Background()

	j := &job.Job{Platform: "acme", Progress: job.Progress{Status: job.StatusGenerating, MaxRetries: 5}}
	jobs.Create(ctx, j)

	p.processTask(ctx, job.Context{JobID: j.ID, TaskType: job.TaskPoll})

	got, _ := jobs.GetByID(ctx, j.ID)
	if got.Progress.Status != job.StatusFailed {
		t.Errorf("Status = %v, want failed when task_id is missing", got.Progress.Status)
	}
}

func TestPoller_MaxPollCount_Fails(t *testing.T) {
	remote := &fakePollRemote{result: interfaces.CompletionResult{Status: interfaces.CompletionPending}}
	p, jobs, accounts, _ := setupPollerTest(t, remote)
	ctx := context.Background()

	accts, _ := accounts.ListEligible(ctx, "acme", nil)
	acct := accts[0]

	j := &job.Job{Platform: "acme", Progress: job.Progress{Status: job.StatusGenerating, MaxRetries: 5}}
	jobs.Create(ctx, j)

	tc := job.Context{JobID: j.ID, TaskType: job.TaskPoll, InputData: map[string]any{
		"task_id": "remote-task-1", "account_id": acct.ID, "poll_count": 60,
	}}
	p.processTask(ctx, tc)

	got, _ := jobs.GetByID(ctx, j.ID)
	if got.Progress.Status != job.StatusFailed {
		t.Errorf("Status = %v, want failed after max poll count", got.Progress.Status)
	}
}
