package supervisor

import (
	"context"
	"testing"
	"time"

	"videopipe/internal/account"
	"videopipe/internal/config"
	"videopipe/internal/job"
	"videopipe/internal/paths"
	"videopipe/internal/store"
)

func setupSupervisor(t *testing.T) (*Supervisor, *store.DB) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(ctx, dir, "pipeline.db")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p := paths.New(dir)
	if err := p.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories() error: %v", err)
	}

	cfg := config.Default()
	cfg.Worker.GeneratorConcurrency = 2
	cfg.Worker.PollerConcurrency = 2
	cfg.Worker.DownloaderConcurrency = 1

	s := New(cfg, p, db, nil)
	return s, db
}

func TestCreateJob_ValidatesAndPersistsDraft(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j, err := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a dog on a skateboard", Duration: 5, AspectRatio: job.Aspect16x9})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if j.Progress.Status != job.StatusDraft {
		t.Errorf("Status = %v, want draft", j.Progress.Status)
	}
	if j.ID == 0 {
		t.Error("expected a generated job id")
	}
}

func TestCreateJob_RejectsInvalidSpec(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, "acme", job.Spec{Prompt: "", Duration: 5, AspectRatio: job.Aspect16x9})
	if err == nil {
		t.Fatal("expected validation error for empty prompt")
	}
}

func TestStartJob_MovesToPendingAndEnqueues(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j, err := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a cat", Duration: 5, AspectRatio: job.Aspect1x1})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	if err := s.StartJob(ctx, j.ID); err != nil {
		t.Fatalf("StartJob() error: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Progress.Status != job.StatusPending {
		t.Errorf("Status = %v, want pending", got.Progress.Status)
	}

	status, err := s.QueueStatus(ctx)
	if err != nil {
		t.Fatalf("QueueStatus() error: %v", err)
	}
	if status.GenerateQueueLen != 1 {
		t.Errorf("GenerateQueueLen = %d, want 1", status.GenerateQueueLen)
	}
}

func TestStartJob_AlreadyPendingIsIdempotent(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a cat", Duration: 5, AspectRatio: job.Aspect1x1})
	s.StartJob(ctx, j.ID)
	s.StartJob(ctx, j.ID) // already pending

	if err := s.StartJob(ctx, j.ID); err != nil {
		t.Fatalf("unexpected error restarting an already-pending job: %v", err)
	}
}

func TestCancelJob_MarksCancelledAndReleasesActiveSlot(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a cat", Duration: 5, AspectRatio: job.Aspect1x1})
	s.StartJob(ctx, j.ID)

	if err := s.CancelJob(ctx, j.ID); err != nil {
		t.Fatalf("CancelJob() error: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Progress.Status != job.StatusCancelled {
		t.Errorf("Status = %v, want cancelled", got.Progress.Status)
	}
	if s.bus.IsActive(j.ID) {
		t.Error("expected the cancelled job to be removed from the active set")
	}
}

func TestRetryJob_ResetsProgressAndRestartsFromGenerate(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a cat", Duration: 5, AspectRatio: job.Aspect1x1})
	s.StartJob(ctx, j.ID)

	got, _ := s.GetJob(ctx, j.ID)
	got.Progress.Status = job.StatusFailed
	got.Progress.Percent = 42
	got.Progress.ErrorMessage = "transient error"
	got.Progress.RetryCount = 2
	s.jobs.Update(ctx, got)

	if err := s.RetryJob(ctx, j.ID); err != nil {
		t.Fatalf("RetryJob() error: %v", err)
	}

	got, _ = s.GetJob(ctx, j.ID)
	if got.Progress.Status != job.StatusPending || got.Progress.Percent != 0 || got.Progress.ErrorMessage != "" || got.Progress.RetryCount != 0 {
		t.Errorf("retry did not reset progress: %+v", got.Progress)
	}
	if got.TaskState.CurrentTask != string(job.TaskGenerate) {
		t.Errorf("CurrentTask = %q, want generate", got.TaskState.CurrentTask)
	}
}

func TestRetryJob_RejectsNonTerminalJob(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a cat", Duration: 5, AspectRatio: job.Aspect1x1})
	if err := s.RetryJob(ctx, j.ID); err == nil {
		t.Fatal("expected an error retrying a draft job")
	}
}

func TestPauseResume_BlocksAndUnblocksDequeue(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a cat", Duration: 5, AspectRatio: job.Aspect1x1})
	s.StartJob(ctx, j.ID)
	s.Pause()

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.bus.DequeueGenerate(runCtx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned while paused")
	case <-time.After(100 * time.Millisecond):
	}

	s.Resume()
	<-done
}

func TestReset_ClearsLeasesAndResetsActiveJobs(t *testing.T) {
	s, db := setupSupervisor(t)
	ctx := context.Background()

	acct := &account.Account{Platform: "acme", Status: account.StatusLive, CreditsRemaining: 5, Leased: true}
	accounts := store.NewAccountStore(db)
	accounts.Create(ctx, acct)

	j, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a cat", Duration: 5, AspectRatio: job.Aspect1x1})
	s.StartJob(ctx, j.ID)
	got, _ := s.GetJob(ctx, j.ID)
	got.Progress.Status = job.StatusProcessing
	s.jobs.Update(ctx, got)

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	got, _ = s.GetJob(ctx, j.ID)
	if got.Progress.Status != job.StatusPending {
		t.Errorf("Status = %v, want pending after reset", got.Progress.Status)
	}

	reloaded, _ := accounts.GetByID(ctx, acct.ID)
	if reloaded.Leased {
		t.Error("expected lease to be cleared on reset")
	}
}

func TestRecoverFromCrash_NonDownloadActiveJobsRevertToDraft(t *testing.T) {
	s, db := setupSupervisor(t)
	ctx := context.Background()
	jobs := store.NewJobStore(db)

	processing := &job.Job{Platform: "acme", Progress: job.Progress{Status: job.StatusProcessing, MaxRetries: 5}}
	downloading := &job.Job{Platform: "acme", Progress: job.Progress{Status: job.StatusDownload, MaxRetries: 5}}
	jobs.Create(ctx, processing)
	jobs.Create(ctx, downloading)

	if err := s.recoverFromCrash(ctx); err != nil {
		t.Fatalf("recoverFromCrash() error: %v", err)
	}

	got, _ := jobs.GetByID(ctx, processing.ID)
	if got.Progress.Status != job.StatusDraft {
		t.Errorf("processing job Status = %v, want draft after crash recovery", got.Progress.Status)
	}

	got, _ = jobs.GetByID(ctx, downloading.ID)
	if got.Progress.Status != job.StatusDownload {
		t.Errorf("download job Status = %v, want retained at download", got.Progress.Status)
	}
}

func TestBulkDelete_ReportsPerIDResults(t *testing.T) {
	s, _ := setupSupervisor(t)
	ctx := context.Background()

	j1, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "a", Duration: 5, AspectRatio: job.Aspect1x1})
	j2, _ := s.CreateJob(ctx, "acme", job.Spec{Prompt: "b", Duration: 5, AspectRatio: job.Aspect1x1})

	results := s.BulkDelete(ctx, []int64{j1.ID, j2.ID, 99999})
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if !results[0].Success || !results[1].Success {
		t.Errorf("expected existing jobs to delete successfully: %+v", results)
	}
	if results[2].Success {
		t.Error("expected deleting a nonexistent job id to fail")
	}
}
